package syncengine

import (
	"math"
	"time"

	"shelfsync/internal/models"
)

// RetryPolicy bounds delivery attempts and optionally spaces them out.
// Backoff is off unless InitialDelay is positive; the ceiling always applies.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func (r RetryPolicy) ceiling() int {
	if r.MaxRetries <= 0 {
		return models.DefaultMaxRetries
	}
	return r.MaxRetries
}

func (r RetryPolicy) backoff() bool {
	return r.InitialDelay > 0
}

// NextDelay returns the wait before attempt (1-based), clamped to MaxDelay.
// It is zero when backoff is disabled.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if !r.backoff() {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && (d > r.MaxDelay || d <= 0) {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = r.InitialDelay
	}
	return d
}
