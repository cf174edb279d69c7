// Package ratelimit provides the gateway's client-facing rate limiting:
// fixed-window counters for abuse prevention and a token-bucket limiter
// for the HTTP transport. Precise upstream pacing lives in the throttle
// package instead.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hkgpx/hkgpx/store"
)

// Window is a fixed-window limiter: one counter per (field, key), a
// per-field ceiling, and per-field timers that wipe the whole field map
// at once. Counters survive restarts through the store snapshot.
type Window struct {
	mu       sync.Mutex
	counters map[string]map[string]int
	resets   map[string]time.Duration
	clock    clock.Clock
	persist  func()
}

// NewWindow seeds counters from the persisted state. resets maps each
// field to its reset interval; persist is kicked after every consuming
// mutation.
func NewWindow(seed []store.RateCounter, resets map[string]time.Duration, clk clock.Clock, persist func()) *Window {
	if clk == nil {
		clk = clock.New()
	}
	if persist == nil {
		persist = func() {}
	}
	w := &Window{
		counters: make(map[string]map[string]int),
		resets:   resets,
		clock:    clk,
		persist:  persist,
	}
	for _, c := range seed {
		if w.counters[c.Field] == nil {
			w.counters[c.Field] = make(map[string]int)
		}
		w.counters[c.Field][c.Key] = c.Count
	}
	return w
}

// Allow reports whether key may act under field's ceiling. The first
// sight of a key initializes its counter to 1 and allows. When consume
// is true and the action is allowed, the counter increments and a save
// is scheduled. Exceeding the limit never errors; it returns false.
func (w *Window) Allow(field, key string, max int, consume bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.counters[field] == nil {
		w.counters[field] = make(map[string]int)
	}
	count, seen := w.counters[field][key]
	if !seen {
		w.counters[field][key] = 1
		w.persist()
		return true
	}
	if count+1 > max {
		return false
	}
	if consume {
		w.counters[field][key] = count + 1
		w.persist()
	}
	return true
}

// Reset wipes every counter under field.
func (w *Window) Reset(field string) {
	w.mu.Lock()
	w.counters[field] = make(map[string]int)
	w.mu.Unlock()
	w.persist()
}

// Run drives the per-field reset timers until the context is cancelled.
// Each field resets on its own independent clock.
func (w *Window) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for field, interval := range w.resets {
		wg.Add(1)
		go func(field string, interval time.Duration) {
			defer wg.Done()
			ticker := w.clock.Ticker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					w.Reset(field)
				}
			}
		}(field, interval)
	}
	wg.Wait()
}

// Snapshot returns the counters for persistence.
func (w *Window) Snapshot() []store.RateCounter {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []store.RateCounter
	for field, keys := range w.counters {
		for key, count := range keys {
			out = append(out, store.RateCounter{Field: field, Key: key, Count: count})
		}
	}
	return out
}
