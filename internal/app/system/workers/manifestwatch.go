// internal/app/system/workers/manifestwatch.go
package workers

import (
	"context"
	"sync"
	"time"

	"github.com/dalemusser/bundlecache/internal/app/system/bundle"
	"github.com/dalemusser/bundlecache/internal/app/system/timeouts"
	"github.com/dalemusser/bundlecache/internal/domain/models"
	"go.uber.org/zap"
)

// Registrar accepts new manifest versions.
type Registrar interface {
	LatestVersion() string
	RegisterManifest(ctx context.Context, m models.Manifest) error
}

// MaxRetryBackoff caps the delay before a failed version is registered again.
const MaxRetryBackoff = 30 * time.Minute

// ManifestWatch is a background worker that re-reads the manifest and
// registers a new worker version whenever its digest changes. With no path it
// watches the embedded manifest, which only matters for retrying a failed
// registration.
type ManifestWatch struct {
	registrar Registrar
	path      string
	log       *zap.Logger
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
	now       func() time.Time

	failedVersion string // last version whose registration failed
	failures      int
	retryAt       time.Time
}

// NewManifestWatch creates a new manifest watcher.
//
// Parameters:
//   - registrar: receives manifests whose version differs from the latest one
//   - path: manifest file on disk, or "" for the embedded manifest
//   - logger: zap logger for logging
//   - interval: how often to check the file (e.g., 30 seconds)
func NewManifestWatch(registrar Registrar, path string, logger *zap.Logger, interval time.Duration) *ManifestWatch {
	return &ManifestWatch{
		registrar: registrar,
		path:      path,
		log:       logger,
		interval:  interval,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start begins the background polling loop.
func (w *ManifestWatch) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("manifest watcher started",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval))
}

// Stop signals the worker to stop and waits for it to finish.
func (w *ManifestWatch) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("manifest watcher stopped")
}

func (w *ManifestWatch) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check loads the manifest once and registers it if its version is new. It
// reports whether a registration was attempted.
//
// A version whose registration failed is retried with exponential backoff,
// starting at one interval and capped at MaxRetryBackoff. A different version
// is registered right away.
func (w *ManifestWatch) Check() bool {
	m, err := bundle.LoadOrDefault(w.path)
	if err != nil {
		w.log.Warn("manifest watcher: load failed", zap.String("path", w.path), zap.Error(err))
		return false
	}
	version := bundle.Digest(m)
	if version == w.registrar.LatestVersion() {
		return false
	}
	if version == w.failedVersion && w.now().Before(w.retryAt) {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.Activate())
	defer cancel()

	w.log.Info("manifest changed, registering new worker", zap.String("version", version))
	if err := w.registrar.RegisterManifest(ctx, m); err != nil {
		if w.registrar.LatestVersion() == version {
			// Installed but activation failed; the worker is in place.
			w.clearFailure()
		} else {
			w.recordFailure(version)
		}
		w.log.Error("manifest watcher: registration failed",
			zap.String("version", version),
			zap.Int("failures", w.failures),
			zap.Time("retry_at", w.retryAt),
			zap.Error(err))
		return true
	}
	w.clearFailure()
	return true
}

func (w *ManifestWatch) recordFailure(version string) {
	if version != w.failedVersion {
		w.failedVersion = version
		w.failures = 0
	}
	w.failures++
	backoff := w.interval
	for i := 1; i < w.failures && backoff < MaxRetryBackoff; i++ {
		backoff *= 2
	}
	w.retryAt = w.now().Add(min(backoff, MaxRetryBackoff))
}

func (w *ManifestWatch) clearFailure() {
	w.failedVersion = ""
	w.failures = 0
	w.retryAt = time.Time{}
}
