package store

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
)

// SnapshotFunc gathers the current in-memory state from the owning
// components. It must be safe to call from the saver goroutine.
type SnapshotFunc func() *State

// Saver coalesces bursts of state changes into at most one flush per
// minimum interval. Write failures are logged, never surfaced to the
// request path; the in-memory state stays authoritative until the next
// successful flush.
type Saver struct {
	db       *DB
	snapshot SnapshotFunc
	interval time.Duration
	logger   *log.Logger
	clock    clock.Clock

	kicks chan struct{}
}

func NewSaver(db *DB, snapshot SnapshotFunc, interval time.Duration, logger *log.Logger, clk clock.Clock) *Saver {
	if clk == nil {
		clk = clock.New()
	}
	return &Saver{
		db:       db,
		snapshot: snapshot,
		interval: interval,
		logger:   logger,
		clock:    clk,
		kicks:    make(chan struct{}, 1),
	}
}

// Kick marks the state dirty. Never blocks; repeated kicks within one
// debounce window collapse into a single flush.
func (s *Saver) Kick() {
	select {
	case s.kicks <- struct{}{}:
	default:
	}
}

// Run flushes on demand until the context is cancelled, then performs a
// final flush so shutdown loses nothing.
func (s *Saver) Run(ctx context.Context) error {
	var lastFlush time.Time

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return nil
		case <-s.kicks:
			if wait := s.interval - s.clock.Since(lastFlush); wait > 0 {
				timer := s.clock.Timer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					s.flush(context.Background())
					return nil
				case <-timer.C:
				}
			}
			// Collapse kicks that arrived while waiting.
			select {
			case <-s.kicks:
			default:
			}
			s.flush(ctx)
			lastFlush = s.clock.Now()
		}
	}
}

func (s *Saver) flush(ctx context.Context) {
	if err := s.db.SaveState(ctx, s.snapshot()); err != nil {
		s.logger.Error("failed to save state", "err", err)
	}
}
