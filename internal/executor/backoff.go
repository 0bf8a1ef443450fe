package executor

import "time"

// Backoff returns the delay before re-queueing the given attempt (1-based):
// base doubled per consecutive transient failure, capped at ceiling.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
