// internal/app/bootstrap/startup.go
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/dalemusser/bundlecache/internal/app/features/offline"
	"github.com/dalemusser/bundlecache/internal/app/system/bundle"
	"github.com/dalemusser/bundlecache/internal/app/system/netfetch"
	"github.com/dalemusser/bundlecache/internal/app/system/ratelimit"
	"github.com/dalemusser/bundlecache/internal/app/system/timeouts"
	"github.com/dalemusser/bundlecache/internal/app/system/workers"
	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

// Startup builds the worker controller, registers the current manifest and
// starts the manifest watcher.
//
// A failed first install does not abort startup: unhandled requests still
// reach the upstream through the proxy, and the watcher retries the
// registration with backoff. The watcher runs whenever
// manifest_poll_interval is positive, including for the embedded manifest;
// with polling disabled a failed first install is not retried.
func Startup(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if n := timeouts.ConfigureFromEnv(); n > 0 {
		logger.Info("timeouts overridden from environment", zap.Int("count", n))
	}
	timeouts.Configure(timeouts.Config{Fetch: appCfg.FetchTimeout})

	upstream, err := parseOrigin("upstream_url", appCfg.UpstreamURL)
	if err != nil {
		return err
	}
	m, err := bundle.LoadOrDefault(appCfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	ctrl := offline.NewController(offline.Options{
		Origin:              appCfg.PublicOrigin,
		Prefix:              appCfg.CachePrefix,
		Storage:             deps.Storage,
		Net:                 netfetch.New(appCfg.PublicOrigin, upstream, timeouts.Fetch(), logger),
		Log:                 logger,
		FastActivation:      appCfg.FastActivation,
		PrefetchConcurrency: appCfg.PrefetchConcurrency,
	})
	deps.Services.Controller = ctrl

	regCtx, cancel := timeouts.WithTimeout(ctx, timeouts.Activate(), logger, "register manifest")
	err = ctrl.RegisterManifest(regCtx, m)
	cancel()
	if err != nil {
		logger.Error("initial worker registration failed", zap.Error(err))
	} else {
		logger.Info("offline worker registered",
			zap.String("version", bundle.Digest(m)),
			zap.Int("resources", len(m.Resources)),
			zap.Bool("active", ctrl.Active() != nil))
	}

	if appCfg.MessageRateLimit > 0 {
		deps.Services.Limiter = ratelimit.New(appCfg.MessageRateLimit, time.Minute)
	}

	if appCfg.ManifestPollInterval > 0 {
		w := workers.NewManifestWatch(ctrl, appCfg.ManifestPath, logger, appCfg.ManifestPollInterval)
		w.Start()
		deps.Services.Watcher = w
	}
	return nil
}
