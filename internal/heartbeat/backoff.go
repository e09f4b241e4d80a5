package heartbeat

import "time"

// RetryStrategy computes the delay before a retry
type RetryStrategy interface {
	// NextRetry calculates the delay before retry number attempt, starting at 0
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements capped exponential backoff
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
		if delay > float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}
