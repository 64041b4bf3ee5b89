package dispatch

import "time"

const (
	jitterDivisor = 10
	maxShift      = 30
)

// RetryDelay returns the exponential backoff before the next delivery after attempt failed.
// The delay doubles from base per attempt, is capped at max, and carries 10% jitter.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}

	delay := base
	for i := 1; i < attempt && i < maxShift; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}

	jitterRange := delay / jitterDivisor
	if jitterRange > 0 {
		jitter := time.Duration(time.Now().UnixNano() % int64(jitterRange))
		delay += jitter - jitterRange/2
	}
	if delay > max {
		return max
	}
	return delay
}
