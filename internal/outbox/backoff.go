package outbox

import "time"

// BackoffStrategy computes the delay before the next publish attempt of a
// failed event.
type BackoffStrategy interface {
	// Delay returns the wait for the given retry count. The first failure
	// carries retry count zero.
	Delay(retryCount int) time.Duration
}

// ExponentialBackoff doubles the delay on every retry, starting at Base and
// capped at Max: 1s, 2s, 4s, ... 256s, 300s, 300s with the defaults.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the production backoff: 1s base, 300s cap.
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Base: 1 * time.Second,
		Max:  300 * time.Second,
	}
}

func (b ExponentialBackoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := b.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// FixedBackoff waits the same interval regardless of the retry count.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration {
	return b.Interval
}
