package offline

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"github.com/dalemusser/bundlecache/internal/app/system/timeouts"
	"go.uber.org/zap"
)

// maxMessageBody bounds the body of a message request.
const maxMessageBody = 4 << 10

// forwardedHeaders are copied from the page request to network fetches.
// Cached responses are shared by every client, so credentials never travel.
var forwardedHeaders = []string{"Accept", "Accept-Language", "User-Agent"}

// Handler is the HTTP surface of the offline cache.
type Handler struct {
	Controller *Controller
	Origin     string
	Log        *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(c *Controller, origin string, logger *zap.Logger) *Handler {
	return &Handler{
		Controller: c,
		Origin:     strings.TrimSuffix(origin, "/"),
		Log:        logger,
	}
}

// Intercept returns middleware that offers every request to the active
// worker. Requests the worker declines go to next, which normally proxies
// to the upstream origin.
func (h *Handler) Intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := cachestorage.Request{
			Method: r.Method,
			URL:    h.Origin + r.URL.RequestURI(),
			Header: http.Header{},
		}
		for _, name := range forwardedHeaders {
			if v := r.Header.Get(name); v != "" {
				req.Header.Set(name, v)
			}
		}

		ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Fetch(), h.Log, "fetch "+r.URL.Path)
		defer cancel()

		resp, handled, err := h.Controller.Fetch(ctx, req)
		if !handled {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			h.Log.Warn("fetch failed", zap.String("url", req.URL), zap.Error(err))
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		writeResponse(w, resp)
	})
}

func writeResponse(w http.ResponseWriter, resp *cachestorage.Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Transfer-Encoding") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

type messageRequest struct {
	Message string `json:"message"`
}

// ServeMessage handles POST /message. The body is either JSON
// {"message":"<token>"} or the bare token.
func (h *Handler) ServeMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	msg := strings.TrimSpace(string(raw))
	if strings.HasPrefix(msg, "{") {
		var mr messageRequest
		if err := json.Unmarshal(raw, &mr); err != nil {
			http.Error(w, "invalid message", http.StatusBadRequest)
			return
		}
		msg = mr.Message
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Prefetch(), h.Log, "message "+msg)
	defer cancel()

	res, err := h.Controller.Message(ctx, msg)
	status := http.StatusOK
	switch {
	case errors.Is(err, ErrNoActiveWorker):
		status = http.StatusServiceUnavailable
	case err != nil:
		h.Log.Error("message handling failed", zap.String("message", msg), zap.Error(err))
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

// ServeStatus handles GET /status.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Store(), h.Log, "status")
	defer cancel()

	st, err := h.Controller.Status(ctx)
	if err != nil {
		h.Log.Error("status failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ServeManifest handles GET /manifest: the active worker's manifest.
func (h *Handler) ServeManifest(w http.ResponseWriter, r *http.Request) {
	active := h.Controller.Active()
	if active == nil {
		http.Error(w, "no active worker", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("X-Bundle-Version", active.Version)
	writeJSON(w, http.StatusOK, active.Manifest)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
