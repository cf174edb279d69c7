// Package selector decides which upstream surface serves a fetch. One
// coupled score compares the two surfaces relative to each other: traffic
// drifts away from whichever side is currently failing, with no external
// configuration needed to recover.
package selector

import (
	"math/rand/v2"
	"sync"
)

// Source identifies an upstream surface.
type Source int

const (
	SourceAPI Source = iota
	SourceDesktop
)

func (s Source) String() string {
	if s == SourceDesktop {
		return "desktop"
	}
	return "api"
}

// Outcome classifies a finished fetch.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

const recentWindow = 32

type record struct {
	source  Source
	success bool
}

// Selector holds a bounded score in [0, max]. At max the API surface is
// chosen deterministically, at 0 the desktop surface is; in between the
// API is picked with probability score/max. The failure step is larger
// than the success step, so the selector backs off faster than it
// recovers.
type Selector struct {
	mu          sync.Mutex
	score       int
	max         int
	successStep int
	failureStep int
	draw        func() float64

	// recent is a ring of the last outcomes, kept for reporting only.
	recent []record
	next   int
}

func New(max, successStep, failureStep int) *Selector {
	return &Selector{
		score:       max,
		max:         max,
		successStep: successStep,
		failureStep: failureStep,
		draw:        rand.Float64,
	}
}

// Choose picks the surface for the next fetch.
func (s *Selector) Choose() Source {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.score >= s.max {
		s.score = s.max
		return SourceAPI
	}
	if s.score <= 0 {
		s.score = 0
		return SourceDesktop
	}
	if s.draw() < float64(s.score)/float64(s.max) {
		return SourceAPI
	}
	return SourceDesktop
}

// Report feeds an outcome back. A success via one surface moves the
// score toward that surface by the same magnitude a failure on the other
// side would.
func (s *Selector) Report(source Source, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	success := outcome == OutcomeSuccess
	delta := -s.failureStep
	if success {
		delta = s.successStep
	}
	if source == SourceDesktop {
		delta = -delta
	}

	s.score += delta
	if s.score > s.max {
		s.score = s.max
	}
	if s.score < 0 {
		s.score = 0
	}

	rec := record{source: source, success: success}
	if len(s.recent) < recentWindow {
		s.recent = append(s.recent, rec)
	} else {
		s.recent[s.next] = rec
		s.next = (s.next + 1) % recentWindow
	}
}

// Score returns the current health score.
func (s *Selector) Score() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// SuccessRates summarises the recent-outcome ring per surface. The ring
// informs reporting only, never the choice itself.
func (s *Selector) SuccessRates() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := make(map[Source]int)
	ok := make(map[Source]int)
	for _, r := range s.recent {
		total[r.source]++
		if r.success {
			ok[r.source]++
		}
	}

	rates := make(map[string]float64, 2)
	for _, src := range []Source{SourceAPI, SourceDesktop} {
		if total[src] == 0 {
			continue
		}
		rates[src.String()] = float64(ok[src]) / float64(total[src])
	}
	return rates
}
