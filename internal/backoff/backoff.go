// Package backoff provides exponential backoff with jitter for reconnect
// and retry loops.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Backoff implements exponential backoff with jitter. Jitter prevents
// thundering herd when multiple loops fail simultaneously.
type Backoff struct {
	Attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// New creates a backoff with the given base and cap.
func New(base, max time.Duration) *Backoff {
	return &Backoff{baseDelay: base, maxDelay: max}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.current()
	b.Attempt++
	return d
}

func (b *Backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.Attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// Add ±20% jitter to prevent thundering herd.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

// Reset clears the attempt counter after a success.
func (b *Backoff) Reset() {
	b.Attempt = 0
}
