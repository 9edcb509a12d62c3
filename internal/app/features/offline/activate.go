package offline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dalemusser/bundlecache/internal/app/policy/cachepolicy"
	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"github.com/dalemusser/bundlecache/internal/app/system/bundle"
	"github.com/dalemusser/bundlecache/internal/app/system/timeouts"
	"github.com/dalemusser/bundlecache/internal/domain/models"
	"go.uber.org/zap"
)

// Activation modes reported in ActivateReport.Mode.
const (
	ModeFull  = "full"  // no previous manifest: content store rebuilt from the shell
	ModeDiff  = "diff"  // previous manifest found: stale entries evicted, the rest reused
	ModeReset = "reset" // reconciliation failed: every store deleted
)

// ActivateReport describes what an activation did.
type ActivateReport struct {
	WorkerID    string    `json:"worker_id"`
	Version     string    `json:"version"`
	Mode        string    `json:"mode"`
	Evicted     int       `json:"evicted"`
	Retained    int       `json:"retained"`
	Copied      int       `json:"copied"`
	Claimed     bool      `json:"claimed"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Activate reconciles the content store with this worker's manifest.
//
// The chain is: read the previous manifest, evict stale content (or rebuild
// the content store when there is no previous manifest), copy the staged
// shell over, delete the temporary store, persist the new manifest, claim.
// If any step fails, all three stores are deleted so the next version starts
// from empty; the returned error is the cause and the report has Mode reset.
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	start := time.Now()
	report, err := w.reconcile(ctx)
	if err != nil {
		w.log.Error("activation failed, clearing offline caches", zap.Error(err))
		w.resetStores(ctx)
		report = ActivateReport{Mode: ModeReset, Error: err.Error()}
	}
	report.WorkerID = w.ID
	report.Version = w.Version
	report.CompletedAt = time.Now().UTC()

	if err != nil {
		return report, fmt.Errorf("activate %s: %w", shortVersion(w.Version), err)
	}
	w.log.Info("worker activated",
		zap.String("mode", report.Mode),
		zap.Int("evicted", report.Evicted),
		zap.Int("retained", report.Retained),
		zap.Int("copied", report.Copied),
		zap.Duration("took", time.Since(start)))
	return report, nil
}

func (w *Worker) reconcile(ctx context.Context) (ActivateReport, error) {
	var report ActivateReport

	content, err := w.storage.Open(ctx, w.Names.Content)
	if err != nil {
		return report, fmt.Errorf("open content cache: %w", err)
	}
	temp, err := w.storage.Open(ctx, w.Names.Temp)
	if err != nil {
		return report, fmt.Errorf("open temp cache: %w", err)
	}
	manifestCache, err := w.storage.Open(ctx, w.Names.Manifest)
	if err != nil {
		return report, fmt.Errorf("open manifest cache: %w", err)
	}

	prev, err := manifestCache.Match(ctx, manifestRequest())
	if err != nil {
		return report, fmt.Errorf("read previous manifest: %w", err)
	}

	if prev == nil {
		// Nothing is known about what the content store holds, so it is
		// discarded even if a previous failure left entries behind.
		report.Mode = ModeFull
		if _, err := w.storage.Delete(ctx, w.Names.Content); err != nil {
			return report, fmt.Errorf("clear content cache: %w", err)
		}
		if content, err = w.storage.Open(ctx, w.Names.Content); err != nil {
			return report, fmt.Errorf("reopen content cache: %w", err)
		}
	} else {
		report.Mode = ModeDiff
		oldManifest, err := bundle.Parse(prev.Body)
		if err != nil {
			return report, fmt.Errorf("decode previous manifest: %w", err)
		}
		if report.Evicted, report.Retained, err = w.evictStale(ctx, content, oldManifest); err != nil {
			return report, err
		}
	}

	if report.Copied, err = copyEntries(ctx, temp, content); err != nil {
		return report, err
	}
	if _, err := w.storage.Delete(ctx, w.Names.Temp); err != nil {
		return report, fmt.Errorf("delete temp cache: %w", err)
	}
	if err := w.persistManifest(ctx, manifestCache); err != nil {
		return report, err
	}
	report.Claimed = true
	return report, nil
}

// evictStale deletes every content entry the new manifest does not vouch for.
func (w *Worker) evictStale(ctx context.Context, content cachestorage.Cache, oldManifest models.Manifest) (evicted, retained int, err error) {
	reqs, err := content.Keys(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list content cache: %w", err)
	}
	keys := make([]string, len(reqs))
	for i, req := range reqs {
		// Entries outside the origin get the empty key, which no manifest
		// contains, so they are evicted.
		keys[i], _ = cachepolicy.StoredKey(w.Origin, req.URL)
	}

	plan := cachepolicy.PlanActivation(oldManifest, w.Manifest, keys)
	stale := make(map[string]bool, len(plan.Evict))
	for _, k := range plan.Evict {
		stale[k] = true
	}
	for i, req := range reqs {
		if !stale[keys[i]] {
			continue
		}
		if _, err := content.Delete(ctx, req); err != nil {
			return evicted, 0, fmt.Errorf("evict %s: %w", req.URL, err)
		}
		evicted++
	}
	return evicted, len(plan.Retain), nil
}

// copyEntries puts every entry of src into dst, overwriting matches.
func copyEntries(ctx context.Context, src, dst cachestorage.Cache) (int, error) {
	reqs, err := src.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", src.Name(), err)
	}
	copied := 0
	for _, req := range reqs {
		resp, err := src.Match(ctx, req)
		if err != nil {
			return copied, fmt.Errorf("read %s from %s: %w", req.URL, src.Name(), err)
		}
		if resp == nil {
			continue
		}
		if err := dst.Put(ctx, req, resp); err != nil {
			return copied, fmt.Errorf("copy %s to %s: %w", req.URL, dst.Name(), err)
		}
		copied++
	}
	return copied, nil
}

func (w *Worker) persistManifest(ctx context.Context, manifestCache cachestorage.Cache) error {
	body, err := bundle.Marshal(w.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	resp := &cachestorage.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	}
	if err := manifestCache.Put(ctx, manifestRequest(), resp); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	return nil
}

// resetStores deletes the content, temporary and manifest stores. It runs
// even when ctx is already done, since a timeout is a common cause of the
// failure being recovered from.
func (w *Worker) resetStores(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Store())
	defer cancel()
	for _, name := range []string{w.Names.Content, w.Names.Temp, w.Names.Manifest} {
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.log.Error("reset: delete cache failed", zap.String("cache", name), zap.Error(err))
		}
	}
}
