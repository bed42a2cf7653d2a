package engine

import (
	"math/rand"
	"time"
)

// Backoff produces exponentially growing retry intervals with a ceiling
// and optional jitter. Next() doubles the interval up to Max; Reset()
// returns to Min. Callers reset on any observed success, so the engine
// recovers quickly once connectivity returns while retry storms stay
// bounded during extended outages.
//
// Jitter is additive in [0, cur/2], capped at Max. Because the base
// doubles each step, jittered intervals are still strictly increasing
// until the ceiling, and never exceed it.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter bool

	cur time.Duration
}

// NewBackoff returns a Backoff with jitter enabled.
func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max, Jitter: true}
}

// Next returns the interval to wait before the next retry and advances
// the backoff.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Min
	}

	d := b.cur
	if b.Jitter {
		d += time.Duration(rand.Int63n(int64(b.cur)/2 + 1))
		if d > b.Max {
			d = b.Max
		}
	}

	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}

	return d
}

// Reset returns the backoff to the minimum interval.
func (b *Backoff) Reset() {
	b.cur = 0
}
