// internal/app/bootstrap/routes.go
package bootstrap

import (
	"errors"
	"net/http"

	healthfeature "github.com/dalemusser/bundlecache/internal/app/features/health"
	offlinefeature "github.com/dalemusser/bundlecache/internal/app/features/offline"
	"github.com/dalemusser/bundlecache/internal/app/system/ratelimit"
	"github.com/dalemusser/waffle/config"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// BuildHandler constructs the root HTTP handler (router) for this WAFFLE app.
//
// WAFFLE calls this after configuration, DB connections, schema setup, and
// the Startup hook have completed.
//
// Routes:
//   - /health: database ping and active worker version
//   - /_bundlecache/*: worker messages, status and the active manifest
//   - everything else: offered to the active worker, and proxied to the
//     upstream when the worker declines it
func BuildHandler(coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) (http.Handler, error) {
	if deps.Services == nil || deps.Services.Controller == nil {
		return nil, errors.New("offline controller not initialized")
	}
	ctrl := deps.Services.Controller

	upstream, err := parseOrigin("upstream_url", appCfg.UpstreamURL)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	// Health check endpoint for load balancers and orchestrators
	healthHandler := healthfeature.NewHandler(deps.MongoClient, ctrl, logger)
	r.Mount("/health", healthfeature.Routes(healthHandler))

	// Worker control surface
	offlineHandler := offlinefeature.NewHandler(ctrl, appCfg.PublicOrigin, logger)
	var messageMW []func(http.Handler) http.Handler
	if deps.Services.Limiter != nil {
		messageMW = append(messageMW, ratelimit.Middleware(deps.Services.Limiter, logger))
	}
	r.Mount(offlinefeature.ControlPrefix, offlinefeature.Routes(offlineHandler, messageMW...))

	// Bundle traffic: cache router first, upstream proxy as the fallback
	r.Handle("/*", offlineHandler.Intercept(newUpstreamProxy(upstream, logger)))

	return r, nil
}
