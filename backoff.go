package edgeguard

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy controls outbox redelivery scheduling.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry, doubled per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay before jitter is applied.
	MaxDelay time.Duration

	// Jitter is the fraction (0..1) by which a delay is randomly widened or
	// narrowed.
	Jitter float64

	// MaxAttempts is the attempt budget of items enqueued without one.
	MaxAttempts int

	// LeaseTimeout is how long an item may stay processing before the
	// stale sweep returns it to pending.
	LeaseTimeout time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    5 * time.Second,
		MaxDelay:     15 * time.Minute,
		Jitter:       0.25,
		MaxAttempts:  8,
		LeaseTimeout: 2 * time.Minute,
	}
}

// WithDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.LeaseTimeout <= 0 {
		p.LeaseTimeout = d.LeaseTimeout
	}
	return p
}

// jitterSource returns a float in [0, 1).
var jitterSource = rand.Float64

// Backoff returns min(MaxDelay, BaseDelay*2^n) widened or narrowed by up to
// Jitter of itself. The result is never negative.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 {
		delta := (2*jitterSource() - 1) * p.Jitter * float64(d)
		d += time.Duration(delta)
	}
	if d < 0 {
		return 0
	}
	return d
}
