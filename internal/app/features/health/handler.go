package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dalemusser/bundlecache/internal/app/system/timeouts"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// VersionSource reports the version of the worker currently serving fetches.
type VersionSource interface {
	ActiveVersion() string
}

// Handler holds dependencies needed for health checks.
type Handler struct {
	Client   *mongo.Client // nil when the memory cache backend is in use
	Versions VersionSource
	Log      *zap.Logger
}

// NewHandler constructs a health Handler. client may be nil.
func NewHandler(client *mongo.Client, versions VersionSource, logger *zap.Logger) *Handler {
	return &Handler{
		Client:   client,
		Versions: versions,
		Log:      logger,
	}
}

// healthResponse is the JSON structure for the health check response.
type healthResponse struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	ActiveVersion string `json:"active_version,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Serve handles GET /health.
//
// On success: 200 and
//
//	{ "status":"ok", "database":"connected", "active_version":"9f2c…" }
//
// "database" is "none" when no MongoDB client is configured.
//
// On DB failure: 503 and
//
//	{ "status":"error", "message":"Database unavailable", "error":"…"}
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Ping())
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	resp := healthResponse{
		Status:   "ok",
		Database: "none",
	}
	if h.Versions != nil {
		resp.ActiveVersion = h.Versions.ActiveVersion()
	}

	if h.Client != nil {
		if err := h.Client.Ping(ctx, readpref.Primary()); err != nil {
			h.Log.Error("health-check: mongo ping failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			resp.Status = "error"
			resp.Database = "disconnected"
			resp.Message = "Database unavailable"
			resp.Error = err.Error()
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
		resp.Database = "connected"
	}

	_ = json.NewEncoder(w).Encode(resp)
}
