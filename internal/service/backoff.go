package service

import (
	"math"
	"time"
)

// RetryPolicy bounds the attempts made for one task. Attempts are counted
// from zero.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, Base: time.Minute, Max: 15 * time.Minute}
}

const maxDelay = time.Duration(math.MaxInt64)

// Delay is the wait before the attempt following attempt: Base * 2^attempt,
// capped at Max. Without a Max the doubling saturates instead of
// overflowing.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	if d <= 0 {
		return 0
	}
	for i := 0; i < attempt; i++ {
		if d > maxDelay/2 {
			d = maxDelay
			break
		}
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// CanRetry reports whether another attempt is allowed after made attempts.
func (p RetryPolicy) CanRetry(made int) bool {
	return made < p.MaxAttempts
}
