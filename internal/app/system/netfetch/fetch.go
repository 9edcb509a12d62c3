// Package netfetch is the network side of the offline cache: it turns a
// cache request addressed to the public origin into an HTTP request against
// the upstream that actually serves the bundle.
package netfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"go.uber.org/zap"
)

// DefaultMaxBody caps how much of a single response is buffered.
const DefaultMaxBody int64 = 256 << 20

// Fetcher performs network fetches for the worker.
type Fetcher interface {
	Fetch(ctx context.Context, req cachestorage.Request) (*cachestorage.Response, error)
}

// Client fetches from an upstream origin over HTTP.
type Client struct {
	HTTP     *http.Client
	Origin   string   // public origin the worker computes keys against
	Upstream *url.URL // where requests are actually sent
	MaxBody  int64
	Log      *zap.Logger
}

// New returns a Client that rewrites URLs under origin to upstream.
func New(origin string, upstream *url.URL, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		HTTP:     &http.Client{Timeout: timeout},
		Origin:   strings.TrimSuffix(origin, "/"),
		Upstream: upstream,
		MaxBody:  DefaultMaxBody,
		Log:      logger,
	}
}

// Target returns the upstream URL for a public URL. URLs outside the public
// origin are returned unchanged.
func (c *Client) Target(publicURL string) string {
	if c.Upstream == nil {
		return publicURL
	}
	rest, ok := strings.CutPrefix(publicURL, c.Origin)
	if !ok || (rest != "" && rest[0] != '/' && rest[0] != '?') {
		return publicURL
	}
	if rest == "" || rest[0] == '?' {
		rest = "/" + rest
	}
	return strings.TrimSuffix(c.Upstream.String(), "/") + rest
}

// Fetch sends req upstream and buffers the response. A response with any
// status is returned without error; only transport failures are errors.
func (c *Client) Fetch(ctx context.Context, req cachestorage.Request) (*cachestorage.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := c.Target(req.URL)

	hr, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", req.URL, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if req.Mode == cachestorage.ModeReload {
		hr.Header.Set("Cache-Control", "no-cache")
		hr.Header.Set("Pragma", "no-cache")
		hr.Header.Del("If-None-Match")
		hr.Header.Del("If-Modified-Since")
	}

	res, err := c.HTTP.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer res.Body.Close()

	limit := c.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("fetch %s: body exceeds %d bytes", req.URL, limit)
	}

	if c.Log != nil {
		c.Log.Debug("fetched",
			zap.String("url", req.URL),
			zap.String("upstream", target),
			zap.Int("status", res.StatusCode),
			zap.Int("bytes", len(body)))
	}

	return &cachestorage.Response{
		Status: res.StatusCode,
		Header: res.Header.Clone(),
		Body:   body,
		URL:    req.URL,
	}, nil
}
