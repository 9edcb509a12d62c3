package offline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dalemusser/bundlecache/internal/app/policy/cachepolicy"
	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"go.uber.org/zap"
)

// Install stages the core shell in the temporary store.
//
// Every core file is fetched with ModeReload so no HTTP cache can hand back a
// stale bootstrap file. All fetches must succeed with an ok status before
// anything is stored; a failed fetch leaves the temporary store exactly as it
// was, so a worker already waiting keeps its staged shell. Once the fetches
// succeed the temporary store is emptied before staging, so leftovers from an
// abandoned install never reach the content store.
func (w *Worker) Install(ctx context.Context) error {
	start := time.Now()

	fetched := make([]*cachestorage.Response, len(w.Manifest.Core))
	for i, path := range w.Manifest.Core {
		req := cachestorage.Request{
			Method: http.MethodGet,
			URL:    cachepolicy.ResourceURL(w.Origin, path),
			Mode:   cachestorage.ModeReload,
		}
		resp, err := w.net.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("%w: fetch %s: %w", ErrInstallFailed, path, err)
		}
		if !resp.OK() {
			return fmt.Errorf("%w: fetch %s: status %d", ErrInstallFailed, path, resp.Status)
		}
		fetched[i] = resp
	}

	// Temp is shared with any worker still waiting; it is only replaced once
	// this install has everything it needs.
	if _, err := w.storage.Delete(ctx, w.Names.Temp); err != nil {
		return fmt.Errorf("%w: clear temp cache: %w", ErrInstallFailed, err)
	}
	temp, err := w.storage.Open(ctx, w.Names.Temp)
	if err != nil {
		return fmt.Errorf("%w: open temp cache: %w", ErrInstallFailed, err)
	}

	for i, path := range w.Manifest.Core {
		url := cachepolicy.ResourceURL(w.Origin, path)
		if err := temp.Put(ctx, cachestorage.NewRequest(url), fetched[i]); err != nil {
			return fmt.Errorf("%w: store %s: %w", ErrInstallFailed, path, err)
		}
	}

	w.InstalledAt = time.Now().UTC()
	w.log.Info("worker installed",
		zap.Int("core_files", len(w.Manifest.Core)),
		zap.Duration("took", time.Since(start)))

	if w.fastActivation {
		w.SkipWaiting()
	}
	return nil
}
