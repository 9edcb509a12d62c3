package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dalemusser/bundlecache/internal/app/policy/cachepolicy"
	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"github.com/dalemusser/bundlecache/internal/app/system/bundle"
	"github.com/dalemusser/bundlecache/internal/domain/models"
)

const testOrigin = "https://app.test"

var errOffline = errors.New("network unreachable")

// fakeNet serves canned responses keyed by URL. Unknown URLs get a 404.
type fakeNet struct {
	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	fail   map[string]error
	down   bool
	calls  []cachestorage.Request
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		bodies: map[string]string{},
		status: map[string]int{},
		fail:   map[string]error{},
	}
}

// serve registers a 200 response for a manifest key.
func (n *fakeNet) serve(key, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[cachepolicy.ResourceURL(testOrigin, key)] = body
}

func (n *fakeNet) serveStatus(key string, status int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status[cachepolicy.ResourceURL(testOrigin, key)] = status
}

func (n *fakeNet) setDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

func (n *fakeNet) Fetch(ctx context.Context, req cachestorage.Request) (*cachestorage.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.down {
		return nil, errOffline
	}
	if err := n.fail[req.URL]; err != nil {
		return nil, err
	}
	if st, ok := n.status[req.URL]; ok {
		return &cachestorage.Response{Status: st, Header: http.Header{}, URL: req.URL}, nil
	}
	body, ok := n.bodies[req.URL]
	if !ok {
		return &cachestorage.Response{Status: http.StatusNotFound, Header: http.Header{}, URL: req.URL}, nil
	}
	return &cachestorage.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		URL:    req.URL,
	}, nil
}

func (n *fakeNet) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNet) lastCall() cachestorage.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[len(n.calls)-1]
}

// faultyStorage wraps the memory backend and fails selected operations once.
// Faults are written as "op:cache", e.g. "put:bundle-app-cache".
type faultyStorage struct {
	*cachestorage.Memory

	mu        sync.Mutex
	faults    map[string]bool
	beforePut func(cache string)
}

func newFaultyStorage() *faultyStorage {
	return &faultyStorage{Memory: cachestorage.NewMemory(), faults: map[string]bool{}}
}

// arm schedules faults; each one fires on its first matching call.
func (s *faultyStorage) arm(faults ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range faults {
		s.faults[f] = true
	}
}

var errInjected = errors.New("injected fault")

func (s *faultyStorage) trip(op, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op + ":" + name
	if s.faults[key] {
		delete(s.faults, key)
		return fmt.Errorf("%s: %w", key, errInjected)
	}
	return nil
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cachestorage.Cache, error) {
	if err := s.trip("open", name); err != nil {
		return nil, err
	}
	c, err := s.Memory.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyCache{Cache: c, s: s}, nil
}

func (s *faultyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := s.trip("delete", name); err != nil {
		return false, err
	}
	return s.Memory.Delete(ctx, name)
}

type faultyCache struct {
	cachestorage.Cache
	s *faultyStorage
}

func (c *faultyCache) Match(ctx context.Context, req cachestorage.Request) (*cachestorage.Response, error) {
	if err := c.s.trip("match", c.Name()); err != nil {
		return nil, err
	}
	return c.Cache.Match(ctx, req)
}

func (c *faultyCache) Put(ctx context.Context, req cachestorage.Request, resp *cachestorage.Response) error {
	if hook := c.s.beforePut; hook != nil {
		hook(c.Name())
	}
	if err := c.s.trip("put", c.Name()); err != nil {
		return err
	}
	return c.Cache.Put(ctx, req, resp)
}

func (c *faultyCache) Keys(ctx context.Context) ([]cachestorage.Request, error) {
	if err := c.s.trip("keys", c.Name()); err != nil {
		return nil, err
	}
	return c.Cache.Keys(ctx)
}

func manifestOf(resources map[string]string, core ...string) models.Manifest {
	return models.Manifest{Resources: resources, Core: core}
}

func testOptions(st cachestorage.Storage, net *fakeNet) Options {
	return Options{
		Origin:         testOrigin,
		Storage:        st,
		Net:            net,
		FastActivation: true,
	}
}

func newTestWorker(m models.Manifest, st cachestorage.Storage, net *fakeNet) *Worker {
	return NewWorker(m, testOptions(st, net))
}

// seed stores a 200 response for key in the named cache.
func seed(t *testing.T, st cachestorage.Storage, cache, key, body string) {
	t.Helper()
	ctx := testCtx(t)
	c, err := st.Open(ctx, cache)
	if err != nil {
		t.Fatalf("open %s: %v", cache, err)
	}
	resp := &cachestorage.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}
	if err := c.Put(ctx, cachestorage.NewRequest(cachepolicy.ResourceURL(testOrigin, key)), resp); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

// seedManifest persists m as the previous worker's manifest.
func seedManifest(t *testing.T, st cachestorage.Storage, m models.Manifest) {
	t.Helper()
	ctx := testCtx(t)
	c, err := st.Open(ctx, CacheNames("").Manifest)
	if err != nil {
		t.Fatalf("open manifest cache: %v", err)
	}
	body, err := bundle.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.Put(ctx, manifestRequest(), &cachestorage.Response{Status: http.StatusOK, Body: body}); err != nil {
		t.Fatalf("put manifest: %v", err)
	}
}

// cachedKeys returns the sorted manifest keys held by the named cache.
func cachedKeys(t *testing.T, st cachestorage.Storage, cache string) []string {
	t.Helper()
	ctx := testCtx(t)
	c, err := st.Open(ctx, cache)
	if err != nil {
		t.Fatalf("open %s: %v", cache, err)
	}
	reqs, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys %s: %v", cache, err)
	}
	keys := make([]string, 0, len(reqs))
	for _, r := range reqs {
		k, _ := cachepolicy.StoredKey(testOrigin, r.URL)
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cachedBody(t *testing.T, st cachestorage.Storage, cache, key string) string {
	t.Helper()
	ctx := testCtx(t)
	c, err := st.Open(ctx, cache)
	if err != nil {
		t.Fatalf("open %s: %v", cache, err)
	}
	resp, err := c.Match(ctx, cachestorage.NewRequest(cachepolicy.ResourceURL(testOrigin, key)))
	if err != nil {
		t.Fatalf("match %s: %v", key, err)
	}
	if resp == nil {
		return ""
	}
	return string(resp.Body)
}

func hasCache(t *testing.T, st cachestorage.Storage, name string) bool {
	t.Helper()
	ok, err := st.Has(testCtx(t), name)
	if err != nil {
		t.Fatalf("has %s: %v", name, err)
	}
	return ok
}

func equalKeys(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// cachedBodyRaw looks up an entry by its literal URL rather than a manifest key.
func cachedBodyRaw(t *testing.T, st cachestorage.Storage, cache, url string) []byte {
	t.Helper()
	ctx := testCtx(t)
	c, err := st.Open(ctx, cache)
	if err != nil {
		t.Fatalf("open %s: %v", cache, err)
	}
	resp, err := c.Match(ctx, cachestorage.NewRequest(url))
	if err != nil {
		t.Fatalf("match %s: %v", url, err)
	}
	if resp == nil {
		t.Fatalf("no entry for %s in %s", url, cache)
	}
	return resp.Body
}
