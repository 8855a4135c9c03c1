// Package backoff computes the retry delay applied to a failed key before it
// becomes eligible again. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before the next claim of a key that has failed
// attempts times.
type Strategy interface {
	Delay(attempts int) time.Duration
}

// Exponential doubles the delay with every failure.
// Delay = min(Base * 2^attempts, Cap).
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(base, capDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Cap: capDelay}
}

// Delay returns Base * 2^attempts, capped at Cap. Negative attempts count as 0.
func (e *Exponential) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := e.Base
	for i := 0; i < attempts; i++ {
		// Stop doubling once the cap is reached or the next step would overflow.
		if e.Cap > 0 && d >= e.Cap {
			return e.Cap
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}

// Jitter spreads retries of many keys that failed together.
// Delay = min(d + rand[0, Fraction*d), Cap) where d is the wrapped strategy's
// delay, so the result never drops below d.
type Jitter struct {
	Strategy Strategy
	Fraction float64
	Cap      time.Duration
}

// NewJitter wraps s with a random extra of up to fraction of each delay.
func NewJitter(s Strategy, fraction float64, capDelay time.Duration) *Jitter {
	return &Jitter{Strategy: s, Fraction: fraction, Cap: capDelay}
}

// Delay returns the wrapped delay plus a random share of it.
func (j *Jitter) Delay(attempts int) time.Duration {
	d := j.Strategy.Delay(attempts)
	if j.Fraction <= 0 || d <= 0 {
		return d
	}
	extra := time.Duration(rand.Float64() * j.Fraction * float64(d)) //nolint:gosec // jitter intentionally uses non-crypto rand
	out := d + extra
	if out < d {
		out = d
	}
	if j.Cap > 0 && out > j.Cap {
		out = j.Cap
	}
	if out < d {
		return d
	}
	return out
}

// DefaultStrategy returns the strategy used when none is configured: 1s base,
// 5m cap, 20% jitter.
func DefaultStrategy() Strategy {
	return NewJitter(NewExponential(time.Second, 5*time.Minute), 0.2, 5*time.Minute)
}
