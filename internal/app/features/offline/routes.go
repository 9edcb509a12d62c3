package offline

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ControlPrefix is where the control routes are mounted.
const ControlPrefix = "/_bundlecache"

// Routes returns the control router, mounted at ControlPrefix. Any
// messageMW wraps only the message endpoint, which can start a full
// prefetch.
func Routes(h *Handler, messageMW ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.With(messageMW...).Post("/message", h.ServeMessage)
	r.Get("/status", h.ServeStatus)
	r.Get("/manifest", h.ServeManifest)

	return r
}
