package offline

import (
	"context"
	"fmt"

	"github.com/dalemusser/bundlecache/internal/app/policy/cachepolicy"
	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DownloadOffline fetches every manifest resource not yet in the content
// store so the whole bundle is available offline.
//
// It is all-or-nothing: each missing resource must fetch with an ok status
// before any of them is stored, and the first failure aborts the batch. It
// returns how many resources were added.
func (w *Worker) DownloadOffline(ctx context.Context) (int, error) {
	content, err := w.storage.Open(ctx, w.Names.Content)
	if err != nil {
		return 0, fmt.Errorf("open content cache: %w", err)
	}
	reqs, err := content.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list content cache: %w", err)
	}
	present := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		if key, ok := cachepolicy.StoredKey(w.Origin, req.URL); ok {
			present[key] = true
		}
	}

	missing := cachepolicy.MissingKeys(w.Manifest, present)
	if len(missing) == 0 {
		return 0, nil
	}

	fetched := make([]*cachestorage.Response, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, key := range missing {
		g.Go(func() error {
			req := cachestorage.NewRequest(cachepolicy.ResourceURL(w.Origin, key))
			resp, err := w.net.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("prefetch %s: %w", key, err)
			}
			if !resp.OK() {
				return fmt.Errorf("prefetch %s: status %d", key, resp.Status)
			}
			fetched[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for i, key := range missing {
		req := cachestorage.NewRequest(cachepolicy.ResourceURL(w.Origin, key))
		if err := content.Put(ctx, req, fetched[i]); err != nil {
			return i, fmt.Errorf("store %s: %w", key, err)
		}
	}
	w.log.Info("offline download complete", zap.Int("added", len(missing)))
	return len(missing), nil
}
