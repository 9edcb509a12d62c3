// Package offline is the offline cache worker for a versioned web bundle.
//
// A Worker is built from one manifest. It installs by staging the core shell
// in a temporary cache, activates by reconciling the long-lived content cache
// against the previous manifest, and then routes fetches: the root document
// online-first, every other manifest resource cache-first with lazy fill.
// The Controller drives workers through that lifecycle the way a browser
// drives service worker versions.
package offline

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"github.com/dalemusser/bundlecache/internal/app/system/bundle"
	"github.com/dalemusser/bundlecache/internal/app/system/netfetch"
	"github.com/dalemusser/bundlecache/internal/domain/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ManifestLabel is the key of the single entry in the manifest store. Future
// versions rely on finding the previous manifest under this label.
const ManifestLabel = "manifest"

// DefaultPrefix names the cache stores when no prefix is configured.
const DefaultPrefix = "bundle"

// DefaultPrefetchConcurrency bounds parallel fetches in DownloadOffline.
const DefaultPrefetchConcurrency = 8

var (
	// ErrInstallFailed wraps any failure while staging the core shell.
	ErrInstallFailed = errors.New("offline: install failed")
	// ErrNoActiveWorker is returned when an operation needs an active worker.
	ErrNoActiveWorker = errors.New("offline: no active worker")
)

// Names holds the three cache store names that make up the upgrade contract.
type Names struct {
	Temp     string
	Content  string
	Manifest string
}

// CacheNames derives the store names for a prefix.
func CacheNames(prefix string) Names {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Names{
		Temp:     prefix + "-temp-cache",
		Content:  prefix + "-app-cache",
		Manifest: prefix + "-app-manifest",
	}
}

// Options configures the workers a Controller creates.
type Options struct {
	Origin              string // public origin, e.g. https://app.example.com
	Prefix              string // cache store name prefix
	Storage             cachestorage.Storage
	Net                 netfetch.Fetcher
	Log                 *zap.Logger
	FastActivation      bool // request skip-waiting as soon as install succeeds
	PrefetchConcurrency int
}

// Worker is one version of the offline cache, bound to a single manifest.
type Worker struct {
	ID          string
	Version     string
	Manifest    models.Manifest
	Origin      string
	Names       Names
	InstalledAt time.Time

	storage        cachestorage.Storage
	net            netfetch.Fetcher
	log            *zap.Logger
	fastActivation bool
	concurrency    int

	skipWaiting atomic.Bool
}

// NewWorker builds a worker for manifest m.
func NewWorker(m models.Manifest, opts Options) *Worker {
	logger := opts.Log
	if logger == nil {
		logger = zap.NewNop()
	}
	conc := opts.PrefetchConcurrency
	if conc <= 0 {
		conc = DefaultPrefetchConcurrency
	}
	w := &Worker{
		ID:             uuid.NewString(),
		Version:        bundle.Digest(m),
		Manifest:       m,
		Origin:         strings.TrimSuffix(opts.Origin, "/"),
		Names:          CacheNames(opts.Prefix),
		storage:        opts.Storage,
		net:            opts.Net,
		fastActivation: opts.FastActivation,
		concurrency:    conc,
	}
	w.log = logger.With(zap.String("worker_id", w.ID), zap.String("version", shortVersion(w.Version)))
	return w
}

// SkipWaiting marks the worker as ready to supersede the active worker
// without waiting.
func (w *Worker) SkipWaiting() { w.skipWaiting.Store(true) }

// SkipWaitingRequested reports whether SkipWaiting was called.
func (w *Worker) SkipWaitingRequested() bool { return w.skipWaiting.Load() }

func manifestRequest() cachestorage.Request {
	return cachestorage.NewRequest(ManifestLabel)
}

func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}
