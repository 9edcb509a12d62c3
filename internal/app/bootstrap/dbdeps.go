// internal/app/bootstrap/dbdeps.go
package bootstrap

import (
	"github.com/dalemusser/bundlecache/internal/app/features/offline"
	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"github.com/dalemusser/bundlecache/internal/app/system/ratelimit"
	"github.com/dalemusser/bundlecache/internal/app/system/workers"
	"go.mongodb.org/mongo-driver/mongo"
)

// DBDeps holds database/back-end dependencies for the app.
type DBDeps struct {
	// Nil with the memory cache backend.
	MongoClient   *mongo.Client
	MongoDatabase *mongo.Database

	// Storage holds the three named cache stores.
	Storage cachestorage.Storage

	// Services is filled in by Startup and shared with later hooks.
	Services *Services
}

// Services are the long-lived components built at startup.
type Services struct {
	Controller *offline.Controller
	Watcher    *workers.ManifestWatch // nil when polling is disabled
	Limiter    *ratelimit.Limiter     // nil when message rate limiting is disabled
}
