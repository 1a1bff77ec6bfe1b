// Package lifecycle releases the resources a mapping session acquires
// (export server, routing table file, attached device) exactly once, from
// either the failure path or an interruption.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds a whole teardown.
const DefaultTimeout = 30 * time.Second

// ErrInterrupted reports that the session ended because of a signal.
var ErrInterrupted = errors.New("interrupted")

// ReleaseFunc frees one resource. It must tolerate being called after the
// resource already went away.
type ReleaseFunc func(ctx context.Context) error

type release struct {
	name string
	fn   ReleaseFunc
}

// Guard collects release functions and runs them in reverse acquisition
// order, once.
type Guard struct {
	log     *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	releases []release
	once     sync.Once
	err      error
	done     bool
}

// NewGuard creates a Guard whose teardown is bounded by timeout (0 means
// DefaultTimeout).
func NewGuard(log *slog.Logger, timeout time.Duration) *Guard {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{log: log, timeout: timeout}
}

// Add registers fn under name. Resources added after Teardown started are
// released immediately.
func (g *Guard) Add(name string, fn ReleaseFunc) {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			g.log.Warn("late release failed", "resource", name, "error", err)
		}
		return
	}
	g.releases = append(g.releases, release{name: name, fn: fn})
	g.mu.Unlock()
}

// Pending returns the names of resources not yet released, most recent
// first.
func (g *Guard) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.releases))
	for i := len(g.releases) - 1; i >= 0; i-- {
		names = append(names, g.releases[i].name)
	}
	return names
}

// Teardown runs every release function, last added first. Cancellation of
// ctx does not cut teardown short; only the guard's timeout does. Every
// release runs even when an earlier one fails. Later calls return the
// first call's result.
func (g *Guard) Teardown(ctx context.Context) error {
	g.once.Do(func() {
		g.mu.Lock()
		g.done = true
		releases := g.releases
		g.releases = nil
		g.mu.Unlock()

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()

		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			r := releases[i]
			start := time.Now()
			if err := r.fn(tctx); err != nil {
				g.log.Warn("release failed", "resource", r.name, "error", err)
				errs = append(errs, fmt.Errorf("release %s: %w", r.name, err))
				continue
			}
			g.log.Debug("released", "resource", r.name, "took", time.Since(start))
		}
		g.err = errors.Join(errs...)
	})
	return g.err
}

// Run calls fn and then tears down. fn's error always wins over teardown
// errors, which are only logged in that case.
func (g *Guard) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if terr := g.Teardown(ctx); terr != nil && err == nil {
		return terr
	}
	return err
}

// Signals are the signals that interrupt a session.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// NotifyContext returns a context cancelled by the first of Signals.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, Signals...)
}
