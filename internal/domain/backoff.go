package domain

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the delay before a job's next poll attempt.
// Exponential with a small additive jitter: the jitter fraction is kept well
// below the growth factor so delays are monotonically non-decreasing per
// attempt until the cap, and exactly the cap afterwards.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

// DefaultBackoff matches the polling contract: base 5s, doubling, capped at
// five minutes.
var DefaultBackoff = BackoffPolicy{
	Base:       5 * time.Second,
	Multiplier: 2,
	Cap:        5 * time.Minute,
}

// Delay returns the backoff delay after the given attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	cap := p.Cap
	if cap <= 0 {
		cap = 5 * time.Minute
	}

	if attempt < 1 {
		attempt = 1
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if d >= float64(cap) {
			return cap
		}
	}
	delay := time.Duration(d)
	if delay >= cap {
		return cap
	}
	// Jitter up to 1/8 of the delay, clamped so the cap stays a hard ceiling.
	jittered := delay + time.Duration(rand.Int63n(int64(delay/8)+1))
	if jittered > cap {
		return cap
	}
	return jittered
}
