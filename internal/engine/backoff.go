package engine

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: Base doubled per attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the pre-jitter delay before the next attempt, given the
// number of attempts already made. Attempt 1 waits Base, attempt 2 waits
// 2*Base, and so on up to Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// NextRetryAt returns when the next attempt should run, adding up to 20%
// random jitter so retries against the same endpoint spread out.
func (b Backoff) NextRetryAt(now time.Time, attempt int) time.Time {
	d := b.Delay(attempt)
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return now.Add(d + jitter)
}
