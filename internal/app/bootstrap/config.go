// internal/app/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"net/url"
	"time"

	"github.com/dalemusser/bundlecache/internal/app/features/offline"
	"github.com/dalemusser/waffle/config"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.uber.org/zap"
)

// Cache backends.
const (
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

// appConfigKeys defines the configuration keys for bundlecache.
// These are loaded via WAFFLE's config system with support for:
//   - Config files: mongo_uri, cache_backend, etc.
//   - Environment variables: BUNDLECACHE_MONGO_URI, BUNDLECACHE_CACHE_BACKEND, etc.
//   - Command-line flags: --mongo_uri, --cache_backend, etc.
var appConfigKeys = []config.AppKey{
	{Name: "mongo_uri", Default: "mongodb://localhost:27017", Desc: "MongoDB connection URI"},
	{Name: "mongo_database", Default: "bundlecache", Desc: "MongoDB database name"},
	{Name: "mongo_max_pool_size", Default: 100, Desc: "MongoDB max connection pool size (default: 100)"},
	{Name: "mongo_min_pool_size", Default: 10, Desc: "MongoDB min connection pool size (default: 10)"},

	// Cache stores
	{Name: "cache_backend", Default: BackendMongo, Desc: "Cache store backend: 'mongo' or 'memory'"},
	{Name: "cache_prefix", Default: offline.DefaultPrefix, Desc: "Prefix for the temp/app/manifest cache store names"},
	{Name: "cache_compress", Default: true, Desc: "zstd-compress cached bodies (mongo backend)"},

	// Origins
	{Name: "public_origin", Default: "http://localhost:8080", Desc: "Origin the bundle is served under"},
	{Name: "upstream_url", Default: "http://localhost:3000", Desc: "Upstream server holding the deployed bundle"},

	// Manifest and worker lifecycle
	{Name: "manifest_path", Default: "", Desc: "Resource manifest JSON file (blank uses the embedded manifest)"},
	{Name: "manifest_poll_interval", Default: "30s", Desc: "How often to check the manifest for a new version or retry a failed install (0 disables)"},
	{Name: "fast_activation", Default: true, Desc: "Activate a new worker version as soon as it installs"},
	{Name: "prefetch_concurrency", Default: offline.DefaultPrefetchConcurrency, Desc: "Parallel fetches during downloadOffline"},
	{Name: "fetch_timeout", Default: "30s", Desc: "Upstream fetch timeout (e.g., 30s, 2m)"},
	{Name: "message_rate_limit", Default: 30, Desc: "Worker messages allowed per client IP per minute (0 disables)"},
}

// LoadConfig loads WAFFLE core config and app-specific config.
//
// WAFFLE's config.LoadWithAppConfig handles:
//   - Loading from .env files
//   - Loading from config.yaml/json/toml files
//   - Reading environment variables (WAFFLE_* for core, BUNDLECACHE_* for app)
//   - Parsing command-line flags
//   - Merging with precedence: flags > env > files > defaults
func LoadConfig(logger *zap.Logger) (*config.CoreConfig, AppConfig, error) {
	coreCfg, appValues, err := config.LoadWithAppConfig(logger, "BUNDLECACHE", appConfigKeys)
	if err != nil {
		return nil, AppConfig{}, err
	}

	appCfg := AppConfig{
		MongoURI:         appValues.String("mongo_uri"),
		MongoDatabase:    appValues.String("mongo_database"),
		MongoMaxPoolSize: uint64(appValues.Int("mongo_max_pool_size")),
		MongoMinPoolSize: uint64(appValues.Int("mongo_min_pool_size")),

		CacheBackend:  appValues.String("cache_backend"),
		CachePrefix:   appValues.String("cache_prefix"),
		CacheCompress: appValues.Bool("cache_compress"),

		PublicOrigin: appValues.String("public_origin"),
		UpstreamURL:  appValues.String("upstream_url"),

		ManifestPath:         appValues.String("manifest_path"),
		ManifestPollInterval: appValues.Duration("manifest_poll_interval", 30*time.Second),
		FastActivation:       appValues.Bool("fast_activation"),
		PrefetchConcurrency:  appValues.Int("prefetch_concurrency"),
		FetchTimeout:         appValues.Duration("fetch_timeout", 30*time.Second),
		MessageRateLimit:     appValues.Int("message_rate_limit"),
	}

	return coreCfg, appCfg, nil
}

// ValidateConfig performs app-specific config validation.
//
// Return nil to accept the loaded config, or an error to abort startup.
// The MongoDB URI is only checked when the mongo backend is selected.
func ValidateConfig(coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) error {
	switch appCfg.CacheBackend {
	case BackendMongo:
		if err := wafflemongo.ValidateURI(appCfg.MongoURI); err != nil {
			logger.Error("invalid MongoDB URI", zap.Error(err))
			return fmt.Errorf("invalid MongoDB URI: %w", err)
		}
		if appCfg.MongoDatabase == "" {
			return fmt.Errorf("mongo_database is required with the mongo cache backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("cache_backend must be %q or %q, got %q", BackendMongo, BackendMemory, appCfg.CacheBackend)
	}

	if _, err := parseOrigin("public_origin", appCfg.PublicOrigin); err != nil {
		return err
	}
	if _, err := parseOrigin("upstream_url", appCfg.UpstreamURL); err != nil {
		return err
	}

	if appCfg.PrefetchConcurrency <= 0 {
		return fmt.Errorf("prefetch_concurrency must be positive, got %d", appCfg.PrefetchConcurrency)
	}
	if appCfg.MessageRateLimit < 0 {
		return fmt.Errorf("message_rate_limit must not be negative")
	}
	if appCfg.ManifestPollInterval < 0 {
		return fmt.Errorf("manifest_poll_interval must not be negative")
	}
	return nil
}

// parseOrigin requires an absolute http(s) URL.
func parseOrigin(key, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return u, nil
}
