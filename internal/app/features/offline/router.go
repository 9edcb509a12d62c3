package offline

import (
	"context"
	"net/http"

	"github.com/dalemusser/bundlecache/internal/app/policy/cachepolicy"
	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"github.com/dalemusser/bundlecache/internal/domain/models"
	"go.uber.org/zap"
)

// Fetch routes one request. handled is false when the worker declines it
// (non-GET, foreign origin, or not in the manifest); the caller should then
// send the request to the network itself.
//
// The root document is fetched online-first. Only a 2xx live response
// replaces its cached copy; other statuses are returned without being stored.
func (w *Worker) Fetch(ctx context.Context, req cachestorage.Request) (resp *cachestorage.Response, handled bool, err error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, false, nil
	}
	key, ok := cachepolicy.LogicalKey(w.Origin, req.URL)
	if !ok || !w.Manifest.Has(key) {
		return nil, false, nil
	}
	if key == models.RootKey {
		resp, err = w.onlineFirst(ctx, req)
	} else {
		resp, err = w.cacheFirst(ctx, req)
	}
	return resp, true, err
}

// cacheFirst serves from the content store and fills it from the network on
// a miss. Only ok responses are stored; fetch errors reach the caller as-is.
func (w *Worker) cacheFirst(ctx context.Context, req cachestorage.Request) (*cachestorage.Response, error) {
	content, err := w.storage.Open(ctx, w.Names.Content)
	if err != nil {
		return nil, err
	}
	cached, err := content.Match(ctx, req)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	resp, err := w.net.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.OK() {
		w.store(ctx, content, req, resp)
	}
	return resp, nil
}

// onlineFirst always tries the network for the root document and keeps the
// content store's copy fresh. On a network failure it falls back to the
// cached copy, or returns the original error when there is none.
func (w *Worker) onlineFirst(ctx context.Context, req cachestorage.Request) (*cachestorage.Response, error) {
	resp, fetchErr := w.net.Fetch(ctx, req)
	if fetchErr == nil {
		if resp.OK() {
			if content, err := w.storage.Open(ctx, w.Names.Content); err != nil {
				w.log.Warn("open content cache failed", zap.Error(err))
			} else {
				w.store(ctx, content, req, resp)
			}
		}
		return resp, nil
	}

	content, err := w.storage.Open(ctx, w.Names.Content)
	if err != nil {
		w.log.Warn("offline fallback: open content cache failed", zap.Error(err))
		return nil, fetchErr
	}
	cached, err := content.Match(ctx, req)
	if err != nil {
		w.log.Warn("offline fallback: match failed", zap.String("url", req.URL), zap.Error(err))
		return nil, fetchErr
	}
	if cached == nil {
		return nil, fetchErr
	}
	w.log.Debug("served root document from cache", zap.String("url", req.URL), zap.NamedError("network_error", fetchErr))
	return cached, nil
}

// store saves a copy of resp under req. A failed write does not fail the
// request that produced the response.
func (w *Worker) store(ctx context.Context, c cachestorage.Cache, req cachestorage.Request, resp *cachestorage.Response) {
	key := cachestorage.Request{Method: http.MethodGet, URL: req.URL}
	if err := c.Put(ctx, key, resp.Clone()); err != nil {
		w.log.Warn("cache put failed", zap.String("url", req.URL), zap.Error(err))
	}
}
