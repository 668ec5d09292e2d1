package supervisor

import (
	"math/rand"
	"time"
)

// DefaultMaxDelay caps the exponential reconnect backoff.
const DefaultMaxDelay = 5 * time.Minute

const jitterFraction = 0.2

// Backoff produces exponentially growing reconnect delays with jitter, so
// a fleet knocked offline by one outage does not reconnect in lockstep.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int

	// rand is injectable for deterministic tests.
	rand func() float64
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return &Backoff{base: base, max: max, rand: rand.Float64}
}

// Next returns the delay before the upcoming attempt and advances the
// attempt counter. The un-jittered delay doubles each call up to the cap;
// jitter spreads it by ±20%.
func (b *Backoff) Next() time.Duration {
	b.attempt++

	d := b.base
	for i := 1; i < b.attempt; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}

	spread := 1 + (b.rand()*2-1)*jitterFraction
	j := time.Duration(float64(d) * spread)
	if j <= 0 {
		j = b.base
	}
	return j
}

// Max returns the jittered cap delay without advancing the counter. Used
// while suspended, when growth has already topped out.
func (b *Backoff) Max() time.Duration {
	spread := 1 + (b.rand()*2-1)*jitterFraction
	return time.Duration(float64(b.max) * spread)
}

// Reset restarts the progression after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt reports how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempt() int { return b.attempt }
