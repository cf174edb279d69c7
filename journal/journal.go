// Package journal keeps the append-only raw-request log: one JSON file
// per UTC date, written on a debounced schedule like the rest of the
// durable state.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
)

// Entry records one raw passthrough request.
type Entry struct {
	UserID    int64             `json:"user_id"`
	RequestIP string            `json:"request_ip"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Form      map[string]string `json:"form,omitempty"`
	Cookies   string            `json:"cookies,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type document struct {
	RawRequests []Entry `json:"raw_requests"`
}

// Journal buffers entries in memory and flushes them to the current
// day's file at most once per debounce interval. The buffer resets when
// the date rolls over.
type Journal struct {
	dir      string
	interval time.Duration
	logger   *log.Logger
	clock    clock.Clock

	mu      sync.Mutex
	doc     document
	docDate string

	kicks chan struct{}
}

func Open(dir string, interval time.Duration, logger *log.Logger, clk clock.Clock) (*Journal, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	j := &Journal{
		dir:      dir,
		interval: interval,
		logger:   logger,
		clock:    clk,
		kicks:    make(chan struct{}, 1),
	}
	j.docDate = j.today()

	// Resume today's file if the process restarted mid-day.
	data, err := os.ReadFile(j.path(j.docDate))
	if err == nil {
		if err := json.Unmarshal(data, &j.doc); err != nil {
			logger.Warn("discarding unreadable journal file", "date", j.docDate, "err", err)
			j.doc = document{}
		}
	}
	return j, nil
}

// Record appends an entry and schedules a flush.
func (j *Journal) Record(e Entry) {
	j.mu.Lock()
	today := j.today()
	var oldDate string
	var oldDoc document
	if today != j.docDate {
		// Day rolled over while buffered. The debounced flusher may not
		// have written the old day yet, so write it out before resetting.
		oldDate, oldDoc = j.docDate, j.doc
		j.doc = document{}
		j.docDate = today
	}
	j.doc.RawRequests = append(j.doc.RawRequests, e)
	j.mu.Unlock()

	if oldDate != "" {
		j.write(oldDate, oldDoc)
	}

	select {
	case j.kicks <- struct{}{}:
	default:
	}
}

// Run flushes on demand until the context is cancelled, then performs a
// final flush.
func (j *Journal) Run(ctx context.Context) error {
	var lastFlush time.Time

	for {
		select {
		case <-ctx.Done():
			j.flush()
			return nil
		case <-j.kicks:
			if wait := j.interval - j.clock.Since(lastFlush); wait > 0 {
				timer := j.clock.Timer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					j.flush()
					return nil
				case <-timer.C:
				}
			}
			select {
			case <-j.kicks:
			default:
			}
			j.flush()
			lastFlush = j.clock.Now()
		}
	}
}

func (j *Journal) flush() {
	j.mu.Lock()
	date := j.docDate
	doc := j.doc
	j.mu.Unlock()

	j.write(date, doc)
}

func (j *Journal) write(date string, doc document) {
	data, err := json.Marshal(doc)
	if err != nil {
		j.logger.Error("failed to marshal journal", "err", err)
		return
	}
	if err := os.WriteFile(j.path(date), data, 0o644); err != nil {
		j.logger.Error("failed to write journal", "date", date, "err", err)
	}
}

func (j *Journal) today() string {
	return j.clock.Now().UTC().Format("20060102")
}

func (j *Journal) path(date string) string {
	return filepath.Join(j.dir, date+".json")
}
