package cachestorage

import (
	"context"
	"sync"
)

// Memory is an in-process Storage. Contents are lost when the process exits.
type Memory struct {
	mu     sync.RWMutex
	caches map[string]*memoryCache
	order  []string
}

// NewMemory creates an empty in-memory Storage.
func NewMemory() *Memory {
	return &Memory{caches: make(map[string]*memoryCache)}
}

// Open returns the named cache, creating it if needed.
func (m *Memory) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[name]
	if !ok {
		c = &memoryCache{name: name, entries: make(map[string]memoryEntry)}
		m.caches[name] = c
		m.order = append(m.order, name)
	}
	return c, nil
}

// Has reports whether the named cache exists.
func (m *Memory) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

// Delete removes the named cache. Handles opened earlier keep working on the
// detached contents, but the name no longer resolves to them.
func (m *Memory) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[name]; !ok {
		return false, nil
	}
	delete(m.caches, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Names lists caches in creation order.
func (m *Memory) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

type memoryEntry struct {
	req  Request
	resp *Response
}

type memoryCache struct {
	name    string
	mu      sync.RWMutex
	entries map[string]memoryEntry
	order   []string
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[req.Identity()]
	if !ok {
		return nil, nil
	}
	return e.resp.Clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, req Request, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return ErrNilResponse
	}
	req = req.normalized()
	id := req.Identity()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		c.removeOrder(id)
	}
	c.entries[id] = memoryEntry{req: Request{Method: req.Method, URL: req.URL}, resp: resp.Clone()}
	c.order = append(c.order, id)
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, req Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	id := req.Identity()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return false, nil
	}
	delete(c.entries, id)
	c.removeOrder(id)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Request, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id].req)
	}
	return out, nil
}

func (c *memoryCache) removeOrder(id string) {
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
