package offline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"github.com/dalemusser/bundlecache/internal/app/system/bundle"
	"github.com/dalemusser/bundlecache/internal/domain/models"
	"go.uber.org/zap"
)

// Message tokens accepted from controlled pages.
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

// Controller owns the worker lifecycle for one scope: at most one active
// worker serving fetches and at most one installed worker waiting to take
// over.
//
// Activation holds gen exclusively and fetches hold it shared, so a new
// worker's whole activation chain finishes before any fetch is dispatched
// against its cache generation.
type Controller struct {
	opts Options
	log  *zap.Logger

	regMu sync.Mutex   // serializes install and activation transitions
	gen   sync.RWMutex // held exclusively while a worker activates

	active atomic.Pointer[Worker]

	mu      sync.Mutex
	waiting *Worker
	last    *ActivateReport
}

// NewController creates a controller whose workers use opts.
func NewController(opts Options) *Controller {
	logger := opts.Log
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Log = logger
	return &Controller{opts: opts, log: logger}
}

// Active returns the worker currently serving fetches, or nil.
func (c *Controller) Active() *Worker { return c.active.Load() }

// Waiting returns the installed worker waiting to activate, or nil.
func (c *Controller) Waiting() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// ActiveVersion is the version of the active worker, or "".
func (c *Controller) ActiveVersion() string {
	if w := c.Active(); w != nil {
		return w.Version
	}
	return ""
}

// LatestVersion is the version of the waiting worker if there is one, else
// of the active worker, else "".
func (c *Controller) LatestVersion() string {
	if w := c.Waiting(); w != nil {
		return w.Version
	}
	if w := c.Active(); w != nil {
		return w.Version
	}
	return ""
}

// RegisterManifest builds a worker for m and registers it.
func (c *Controller) RegisterManifest(ctx context.Context, m models.Manifest) error {
	if err := bundle.Validate(m); err != nil {
		return err
	}
	return c.Register(ctx, NewWorker(m, c.opts))
}

// Register installs w. On success w becomes the waiting worker, replacing any
// earlier waiting one, and activates immediately if it asked to skip waiting.
// On install failure the current workers are left untouched.
//
// An activation failure is returned after the worker has become active with
// reset caches.
func (c *Controller) Register(ctx context.Context, w *Worker) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	if err := w.Install(ctx); err != nil {
		c.log.Warn("worker install failed, keeping current worker",
			zap.String("version", shortVersion(w.Version)), zap.Error(err))
		return err
	}

	c.mu.Lock()
	if prev := c.waiting; prev != nil {
		c.log.Info("replacing waiting worker", zap.String("replaced", shortVersion(prev.Version)))
	}
	c.waiting = w
	c.mu.Unlock()

	if !w.SkipWaitingRequested() {
		c.log.Info("worker waiting for activation", zap.String("version", shortVersion(w.Version)))
		return nil
	}
	return c.activateWaiting(ctx)
}

// SkipWaiting activates the waiting worker now. It is a no-op when nothing
// is waiting.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	w := c.Waiting()
	if w == nil {
		return nil
	}
	w.SkipWaiting()
	return c.activateWaiting(ctx)
}

// activateWaiting must be called with regMu held.
func (c *Controller) activateWaiting(ctx context.Context) error {
	c.mu.Lock()
	w := c.waiting
	c.waiting = nil
	c.mu.Unlock()
	if w == nil {
		return nil
	}

	c.gen.Lock()
	defer c.gen.Unlock()

	report, err := w.Activate(ctx)
	// The worker takes over even after a failed reconciliation; it then
	// serves from empty caches and refills them lazily.
	c.active.Store(w)

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()
	return err
}

// Fetch dispatches req to the active worker. handled is false when there is
// no active worker or the worker declines the request.
func (c *Controller) Fetch(ctx context.Context, req cachestorage.Request) (*cachestorage.Response, bool, error) {
	c.gen.RLock()
	defer c.gen.RUnlock()
	w := c.active.Load()
	if w == nil {
		return nil, false, nil
	}
	return w.Fetch(ctx, req)
}

// MessageResult reports how a page message was handled.
type MessageResult struct {
	Message    string `json:"message"`
	Handled    bool   `json:"handled"`
	Prefetched int    `json:"prefetched,omitempty"`
}

// Message handles a message token from a controlled page. Unknown tokens are
// ignored.
func (c *Controller) Message(ctx context.Context, msg string) (MessageResult, error) {
	res := MessageResult{Message: msg}
	switch msg {
	case MessageSkipWaiting:
		res.Handled = true
		return res, c.SkipWaiting(ctx)
	case MessageDownloadOffline:
		res.Handled = true
		c.gen.RLock()
		defer c.gen.RUnlock()
		w := c.active.Load()
		if w == nil {
			return res, ErrNoActiveWorker
		}
		n, err := w.DownloadOffline(ctx)
		res.Prefetched = n
		if err != nil {
			return res, fmt.Errorf("download offline: %w", err)
		}
		return res, nil
	default:
		c.log.Debug("ignoring unknown message", zap.String("message", msg))
		return res, nil
	}
}

// WorkerStatus summarizes one worker.
type WorkerStatus struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Resources int    `json:"resources"`
	Core      int    `json:"core"`
}

// Status is a snapshot of the controller.
type Status struct {
	Active         *WorkerStatus   `json:"active,omitempty"`
	Waiting        *WorkerStatus   `json:"waiting,omitempty"`
	LastActivation *ActivateReport `json:"last_activation,omitempty"`
	Caches         []string        `json:"caches"`
}

// Status returns a snapshot of the workers and the existing cache stores.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	st.Active = workerStatus(c.Active())
	c.mu.Lock()
	st.Waiting = workerStatus(c.waiting)
	if c.last != nil {
		last := *c.last
		st.LastActivation = &last
	}
	c.mu.Unlock()

	if c.opts.Storage != nil {
		names, err := c.opts.Storage.Names(ctx)
		if err != nil {
			return st, fmt.Errorf("list caches: %w", err)
		}
		st.Caches = names
	}
	if st.Caches == nil {
		st.Caches = []string{}
	}
	return st, nil
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		ID:        w.ID,
		Version:   w.Version,
		Resources: len(w.Manifest.Resources),
		Core:      len(w.Manifest.Core),
	}
}
