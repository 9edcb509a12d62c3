// Package timeouts provides centralized timeout values for cache lifecycle
// operations.
//
// Each lifecycle step runs under context.WithTimeout with one of these
// budgets:
//   - Ping: health checks and connectivity verification
//   - Store: a single cache store operation (open, match, put, delete)
//   - Fetch: one network fetch from the upstream origin
//   - Activate: a whole install or activation chain
//   - Prefetch: a full offline download of every missing resource
//
// Values can be overridden at startup with Configure or ConfigureFromEnv.
package timeouts

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default timeout values (used if Configure is not called).
const (
	DefaultPing     = 2 * time.Second
	DefaultStore    = 5 * time.Second
	DefaultFetch    = 30 * time.Second
	DefaultActivate = 2 * time.Minute
	DefaultPrefetch = 10 * time.Minute
)

// Config holds timeout configuration values.
// Zero values are ignored (current values are kept).
type Config struct {
	Ping     time.Duration
	Store    time.Duration
	Fetch    time.Duration
	Activate time.Duration
	Prefetch time.Duration
}

var (
	mu      sync.RWMutex
	current = defaults()
)

func defaults() Config {
	return Config{
		Ping:     DefaultPing,
		Store:    DefaultStore,
		Fetch:    DefaultFetch,
		Activate: DefaultActivate,
		Prefetch: DefaultPrefetch,
	}
}

func get(pick func(Config) time.Duration) time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return pick(current)
}

// Ping returns the timeout for health checks.
func Ping() time.Duration { return get(func(c Config) time.Duration { return c.Ping }) }

// Store returns the timeout for a single cache store operation.
func Store() time.Duration { return get(func(c Config) time.Duration { return c.Store }) }

// Fetch returns the timeout for one upstream fetch.
func Fetch() time.Duration { return get(func(c Config) time.Duration { return c.Fetch }) }

// Activate returns the budget for an install or activation chain.
func Activate() time.Duration { return get(func(c Config) time.Duration { return c.Activate }) }

// Prefetch returns the budget for a full offline download.
func Prefetch() time.Duration { return get(func(c Config) time.Duration { return c.Prefetch }) }

// Configure sets custom timeout values. Zero values in cfg are ignored.
// Call it during startup before the controller is built.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	merge(&current.Ping, cfg.Ping)
	merge(&current.Store, cfg.Store)
	merge(&current.Fetch, cfg.Fetch)
	merge(&current.Activate, cfg.Activate)
	merge(&current.Prefetch, cfg.Prefetch)
}

func merge(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// Reset restores all timeouts to their default values.
// Useful for testing.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = defaults()
}

// ConfigureFromEnv reads TIMEOUT_PING, TIMEOUT_STORE, TIMEOUT_FETCH,
// TIMEOUT_ACTIVATE and TIMEOUT_PREFETCH (Go duration strings). Unset or
// invalid values are skipped. It returns how many values were applied.
func ConfigureFromEnv() int {
	var cfg Config
	targets := map[string]*time.Duration{
		"TIMEOUT_PING":     &cfg.Ping,
		"TIMEOUT_STORE":    &cfg.Store,
		"TIMEOUT_FETCH":    &cfg.Fetch,
		"TIMEOUT_ACTIVATE": &cfg.Activate,
		"TIMEOUT_PREFETCH": &cfg.Prefetch,
	}
	applied := 0
	for env, dst := range targets {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
			applied++
		}
	}
	Configure(cfg)
	return applied
}

// Current returns the current timeout configuration.
func Current() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// WithTimeout creates a context with timeout and returns a cancel function
// that logs a warning if the deadline was hit.
//
//	ctx, cancel := timeouts.WithTimeout(ctx, timeouts.Activate(), log, "activate")
//	defer cancel()
func WithTimeout(parent context.Context, timeout time.Duration, log *zap.Logger, operation string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	return ctx, func() {
		if ctx.Err() == context.DeadlineExceeded && log != nil {
			log.Warn("operation timed out",
				zap.String("operation", operation),
				zap.Duration("timeout", timeout),
			)
		}
		cancel()
	}
}
