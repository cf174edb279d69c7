// Package throttle spaces outbound upstream calls so the gateway never
// trips the upstream's own anti-abuse system. It is independent of the
// client-facing rate limiter: this paces, that counts.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Canonical target names for the two upstream surfaces.
const (
	TargetAPI     = "hkg_api"
	TargetDesktop = "hkg_desktop"
)

// Target configures one upstream endpoint. MinInterval enforces a
// monotonic next-allowed watermark advanced on every admission; a token
// bucket applies on top when Rate > 0.
type Target struct {
	MinInterval time.Duration
	Rate        float64
	Burst       int
}

// Throttle serializes the start times of calls per target. Wait never
// drops a caller; everyone eventually runs.
type Throttle struct {
	mu      sync.Mutex
	next    map[string]time.Time
	buckets map[string]*rate.Limiter
	targets map[string]Target
	clock   clock.Clock
}

func New(targets map[string]Target, clk clock.Clock) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	t := &Throttle{
		next:    make(map[string]time.Time),
		buckets: make(map[string]*rate.Limiter),
		targets: targets,
		clock:   clk,
	}
	for name, target := range targets {
		if target.Rate > 0 {
			burst := target.Burst
			if burst < 1 {
				burst = 1
			}
			t.buckets[name] = rate.NewLimiter(rate.Limit(target.Rate), burst)
		}
	}
	return t
}

// Wait blocks until the caller may start its call to target. The
// watermark advances by the target's minimum interval immediately, so
// concurrent waiters claim distinct slots regardless of outcome.
func (t *Throttle) Wait(ctx context.Context, target string) error {
	t.mu.Lock()
	cfg := t.targets[target]
	now := t.clock.Now()
	slot := t.next[target]
	if slot.Before(now) {
		slot = now
	}
	t.next[target] = slot.Add(cfg.MinInterval)
	t.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		timer := t.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if bucket := t.bucket(target); bucket != nil {
		if err := bucket.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Throttle) bucket(target string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buckets[target]
}
