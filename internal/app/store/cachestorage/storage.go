// Package cachestorage provides named, persistent request -> response stores.
//
// A Storage holds any number of caches addressed by name. Each Cache maps a
// request identity (method + URL) to a stored response and remembers
// insertion order. Two backends are provided: an in-memory one for
// development and tests, and a MongoDB one for deployments.
package cachestorage

import (
	"context"
	"errors"
	"net/http"
)

// ErrNilResponse is returned by Put when there is nothing to store.
var ErrNilResponse = errors.New("cachestorage: nil response")

// Mode controls how a request interacts with intermediate HTTP caches when it
// is sent to the network.
type Mode int

const (
	// ModeDefault uses normal HTTP caching semantics.
	ModeDefault Mode = iota
	// ModeReload forces a network round trip, ignoring any HTTP cache.
	ModeReload
)

// Request identifies a cached resource. Only Method and URL take part in
// identity; Header and Mode travel with the request to the network.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Mode   Mode
}

// NewRequest returns a GET request for url.
func NewRequest(url string) Request {
	return Request{Method: http.MethodGet, URL: url}
}

// Identity returns the key under which the request is stored.
func (r Request) Identity() string {
	m := r.Method
	if m == "" {
		m = http.MethodGet
	}
	return m + " " + r.URL
}

func (r Request) normalized() Request {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	return r
}

// Response is a fully buffered response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	URL    string // final URL the response was fetched from, if known
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone returns a deep copy so one copy can be stored while the other is
// handed to a caller.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		URL:    r.URL,
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Storage is the set of named caches for one scope.
type Storage interface {
	// Open returns the named cache, creating it if it does not exist.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether the named cache exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named cache and all of its entries. It reports
	// whether a cache was removed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists existing caches in creation order.
	Names(ctx context.Context) ([]string, error)
}

// Cache is a single named request -> response store.
type Cache interface {
	Name() string
	// Match returns the stored response for req, or (nil, nil) on a miss.
	Match(ctx context.Context, req Request) (*Response, error)
	// Put stores resp under req, replacing any previous entry.
	Put(ctx context.Context, req Request, resp *Response) error
	// Delete removes the entry for req and reports whether it existed.
	Delete(ctx context.Context, req Request) (bool, error)
	// Keys lists the stored requests in insertion order.
	Keys(ctx context.Context) ([]Request, error)
}
