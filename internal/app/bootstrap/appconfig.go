// internal/app/bootstrap/appconfig.go
package bootstrap

import "time"

// AppConfig holds service-specific configuration for this WAFFLE app.
//
// These values come from environment variables, configuration files, or
// command-line flags (loaded in LoadConfig). They represent *app-level*
// configuration, not WAFFLE core configuration.
//
// WAFFLE's CoreConfig handles framework-level settings like:
//   - HTTP/HTTPS ports and TLS configuration
//   - Logging level and format
//   - Request body size limits
//
// AppConfig carries everything specific to the offline bundle cache: where
// the cache stores live, which origin the bundle is served under, where the
// upstream copy of the bundle is fetched from, and how the worker lifecycle
// behaves.
type AppConfig struct {
	// MongoDB connection configuration (used when CacheBackend is "mongo")
	MongoURI         string // MongoDB connection string (e.g., mongodb://localhost:27017)
	MongoDatabase    string // Database name within MongoDB
	MongoMaxPoolSize uint64
	MongoMinPoolSize uint64

	// Cache store configuration
	CacheBackend  string // "mongo" or "memory"
	CachePrefix   string // cache store name prefix (e.g., "bundle" -> bundle-app-cache)
	CacheCompress bool   // zstd-compress stored bodies (mongo backend only)

	// Origins
	PublicOrigin string // origin the bundle is served under (e.g., https://app.example.com)
	UpstreamURL  string // where the bundle is actually fetched from (e.g., http://localhost:3000)

	// Manifest and worker lifecycle
	ManifestPath         string        // manifest JSON file; blank uses the embedded manifest
	ManifestPollInterval time.Duration // 0 disables the manifest watcher
	FastActivation       bool          // activate a new worker as soon as it installs
	PrefetchConcurrency  int           // parallel fetches during downloadOffline
	FetchTimeout         time.Duration // per-request upstream fetch timeout
	MessageRateLimit     int           // messages per client IP per minute; 0 disables
}
