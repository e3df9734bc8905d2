// Package ratelimit bounds how often improvement cycles may start. It is a
// sliding-window admission controller, not a retry/backoff heuristic, so
// its behavior is deterministic and testable.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one admission request.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
}

// SlidingWindow admits at most max starts within any window of the given
// width. The admission check and the timestamp record are one atomic unit:
// two concurrent callers can never both slip through the last slot.
type SlidingWindow struct {
	window time.Duration
	max    int

	mu     sync.Mutex
	admits []time.Time
}

func NewSlidingWindow(window time.Duration, max int) *SlidingWindow {
	if window <= 0 {
		window = time.Hour
	}
	if max <= 0 {
		max = 1
	}
	return &SlidingWindow{window: window, max: max}
}

// Admit grants or denies one cycle start at the given instant. Denials do
// not consume quota. A denial carries the duration until the oldest
// in-window admission ages out.
func (l *SlidingWindow) Admit(now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.admits[:0]
	for _, t := range l.admits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.admits = kept

	if len(l.admits) >= l.max {
		oldest := l.admits[0]
		retry := oldest.Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Admitted: false, RetryAfter: retry}
	}

	l.admits = append(l.admits, now)
	return Decision{Admitted: true}
}

// InWindow reports how many admissions currently count against the quota.
func (l *SlidingWindow) InWindow(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	n := 0
	for _, t := range l.admits {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
