// Package sweeper runs the periodic cleanup: unverified accounts past
// their deadline and long-cache entries whose slid expiry lapsed.
package sweeper

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"

	"github.com/hkgpx/hkgpx/account"
	"github.com/hkgpx/hkgpx/cache"
)

type Sweeper struct {
	accounts *account.Registry
	cache    *cache.Cache
	schedule string
	logger   *log.Logger
	clock    clock.Clock
	persist  func()
}

// New builds a sweeper driven by a cron expression. persist is kicked
// when a sweep changed anything.
func New(accounts *account.Registry, c *cache.Cache, schedule string, logger *log.Logger, clk clock.Clock, persist func()) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	if persist == nil {
		persist = func() {}
	}
	return &Sweeper{
		accounts: accounts,
		cache:    c,
		schedule: schedule,
		logger:   logger,
		clock:    clk,
		persist:  persist,
	}
}

// Start sweeps on the configured schedule until the context is
// cancelled. Runs one sweep immediately at startup.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweeper started", "schedule", s.schedule)
	s.Sweep()

	for {
		next, err := gronx.NextTickAfter(s.schedule, s.clock.Now(), false)
		if err != nil {
			s.logger.Error("invalid cleanup schedule", "schedule", s.schedule, "err", err)
			return
		}

		wait := next.Sub(s.clock.Now())
		if wait < time.Second {
			wait = time.Second
		}
		timer := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("sweeper stopped")
			return
		case <-timer.C:
			s.Sweep()
		}
	}
}

// Sweep runs one cleanup pass.
func (s *Sweeper) Sweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during sweep", "panic", r)
		}
	}()

	removed, changed := s.accounts.Sweep()
	reclaimed := s.cache.SweepLong()

	if removed > 0 || reclaimed > 0 {
		s.logger.Info("sweep complete", "accounts_removed", removed, "cache_reclaimed", reclaimed)
	}
	if changed || reclaimed > 0 {
		s.persist()
	}
}
