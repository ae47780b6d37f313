// Package backoff computes bounded exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Policy is min(Cap, Base * 2^attempt) plus up to JitterFraction of that
// delay in random jitter.
type Policy struct {
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Default is 1s, 2s, 4s ... capped at 60s, with up to 50% jitter.
func Default() Policy {
	return Policy{Base: time.Second, Cap: 60 * time.Second, JitterFraction: 0.5}
}

// Exponential returns min(cap, base * 2^attempt) without jitter.
// Negative attempts are treated as 0.
func (p Policy) Exponential(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
		if d <= 0 { // overflow
			if p.Cap > 0 {
				return p.Cap
			}
			return time.Duration(math.MaxInt64)
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Delay returns the delay before retry number attempt (1-based: the delay
// after the first failure is Delay(1) = Base).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Exponential(attempt - 1)
	if p.JitterFraction <= 0 || d <= 0 {
		return d
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return d + time.Duration(float64(d)*p.JitterFraction*r())
}
