package bootstrap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func validConfig() AppConfig {
	return AppConfig{
		MongoURI:            "mongodb://localhost:27017",
		MongoDatabase:       "bundlecache_test",
		CacheBackend:        BackendMemory,
		CachePrefix:         "test",
		PublicOrigin:        "https://app.test",
		UpstreamURL:         "http://localhost:3000",
		FastActivation:      true,
		PrefetchConcurrency: 4,
		FetchTimeout:        5 * time.Second,
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{"memory backend", func(*AppConfig) {}, false},
		{"mongo backend", func(c *AppConfig) { c.CacheBackend = BackendMongo }, false},
		{"bad mongo uri", func(c *AppConfig) { c.CacheBackend = BackendMongo; c.MongoURI = "postgres://x" }, true},
		{"mongo without database", func(c *AppConfig) { c.CacheBackend = BackendMongo; c.MongoDatabase = "" }, true},
		{"memory ignores mongo uri", func(c *AppConfig) { c.MongoURI = "not a uri" }, false},
		{"unknown backend", func(c *AppConfig) { c.CacheBackend = "redis" }, true},
		{"relative origin", func(c *AppConfig) { c.PublicOrigin = "/app" }, true},
		{"non-http upstream", func(c *AppConfig) { c.UpstreamURL = "ftp://files.test" }, true},
		{"zero concurrency", func(c *AppConfig) { c.PrefetchConcurrency = 0 }, true},
		{"negative rate limit", func(c *AppConfig) { c.MessageRateLimit = -1 }, true},
		{"negative poll interval", func(c *AppConfig) { c.ManifestPollInterval = -time.Second }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := ValidateConfig(&config.CoreConfig{}, cfg, testLogger())
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateConfig err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

const testManifest = `{
  "resources": {"/": "r1", "index.html": "i1", "main.js": "m1", "logo.png": "l1"},
  "core": ["index.html", "main.js"]
}`

// upstream serves a tiny bundle plus one dynamic endpoint.
func newUpstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var mainHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/main.js", func(w http.ResponseWriter, r *http.Request) {
		mainHits.Add(1)
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.WriteString(w, "main()")
	})
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>index</html>")
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "png")
	})
	mux.HandleFunc("/api/time", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "dynamic")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "<html>root</html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &mainHits
}

func startApp(t *testing.T, cfg AppConfig) (http.Handler, DBDeps) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	core := &config.CoreConfig{}
	deps, err := ConnectDB(ctx, core, cfg, testLogger())
	if err != nil {
		t.Fatalf("ConnectDB: %v", err)
	}
	if err := EnsureSchema(ctx, core, cfg, deps, testLogger()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := Startup(ctx, core, cfg, deps, testLogger()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	t.Cleanup(func() {
		_ = Shutdown(context.Background(), core, cfg, deps, testLogger())
	})
	h, err := BuildHandler(core, cfg, deps, testLogger())
	if err != nil {
		t.Fatalf("BuildHandler: %v", err)
	}
	return h, deps
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestApp_ServesBundleFromCache(t *testing.T) {
	srv, mainHits := newUpstream(t)
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := validConfig()
	cfg.UpstreamURL = srv.URL
	cfg.ManifestPath = path
	h, deps := startApp(t, cfg)

	if deps.Services.Controller.Active() == nil {
		t.Fatal("no active worker after startup")
	}
	if got := mainHits.Load(); got != 1 {
		t.Fatalf("install fetched main.js %d times, want 1", got)
	}

	// Core shell is served from the content cache without touching upstream.
	rec := get(h, "/main.js")
	if rec.Code != http.StatusOK || rec.Body.String() != "main()" {
		t.Errorf("GET /main.js = %d %q", rec.Code, rec.Body.String())
	}
	if got := mainHits.Load(); got != 1 {
		t.Errorf("cached main.js refetched: %d upstream hits", got)
	}

	// Requests outside the manifest are proxied.
	rec = get(h, "/api/time")
	if rec.Code != http.StatusOK || rec.Body.String() != "dynamic" {
		t.Errorf("GET /api/time = %d %q", rec.Code, rec.Body.String())
	}

	// Root is online-first.
	rec = get(h, "/")
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>root</html>" {
		t.Errorf("GET / = %d %q", rec.Code, rec.Body.String())
	}

	rec = get(h, "/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), deps.Services.Controller.ActiveVersion()) {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestApp_DownloadOfflineMessage(t *testing.T) {
	srv, _ := newUpstream(t)
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := validConfig()
	cfg.UpstreamURL = srv.URL
	cfg.ManifestPath = path
	h, _ := startApp(t, cfg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_bundlecache/message", strings.NewReader(`{"message":"downloadOffline"}`))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("message status = %d body %q", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"prefetched":2`) {
		t.Errorf("message body = %q, want 2 prefetched", rec.Body.String())
	}

	// With everything cached, the bundle survives the upstream going away.
	srv.Close()
	if rec := get(h, "/logo.png"); rec.Code != http.StatusOK || rec.Body.String() != "png" {
		t.Errorf("GET /logo.png offline = %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(h, "/"); rec.Code != http.StatusOK || rec.Body.String() != "<html>root</html>" {
		t.Errorf("GET / offline = %d %q", rec.Code, rec.Body.String())
	}
}

func TestApp_StartsWhenUpstreamIsDown(t *testing.T) {
	srv, _ := newUpstream(t)
	srv.Close()

	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := validConfig()
	cfg.UpstreamURL = srv.URL
	cfg.ManifestPath = path
	h, deps := startApp(t, cfg)

	if deps.Services.Controller.Active() != nil {
		t.Error("worker activated without a successful install")
	}
	if rec := get(h, "/main.js"); rec.Code != http.StatusBadGateway {
		t.Errorf("GET /main.js = %d, want proxy 502", rec.Code)
	}
}

func TestApp_MessageRateLimit(t *testing.T) {
	srv, _ := newUpstream(t)
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := validConfig()
	cfg.UpstreamURL = srv.URL
	cfg.ManifestPath = path
	cfg.MessageRateLimit = 1
	h, _ := startApp(t, cfg)

	post := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_bundlecache/message", strings.NewReader("skipWaiting")))
		return rec.Code
	}
	if code := post(); code != http.StatusOK {
		t.Fatalf("first message status = %d", code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Errorf("second message status = %d, want 429", code)
	}
	// Status is not rate limited.
	if rec := get(h, "/_bundlecache/status"); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestApp_RetriesEmbeddedManifestAfterFailedStart(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "bundle "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	cfg := validConfig()
	cfg.UpstreamURL = srv.URL
	cfg.ManifestPollInterval = 20 * time.Millisecond
	_, deps := startApp(t, cfg)

	ctrl := deps.Services.Controller
	if ctrl.Active() != nil {
		t.Fatal("worker active before the upstream served the shell")
	}
	if deps.Services.Watcher == nil {
		t.Fatal("watcher not started for the embedded manifest")
	}

	up.Store(true)
	deadline := time.Now().Add(5 * time.Second)
	for ctrl.Active() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ctrl.Active() == nil {
		t.Fatal("failed startup registration was never retried")
	}
}
