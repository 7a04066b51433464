package spool

import "time"

// Backoff returns the retry delay before the given attempt number (1-based):
// base doubled per attempt, capped. Non-decreasing in attemptNumber.
func Backoff(attemptNumber int, base, cap time.Duration) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	d := base
	for i := 1; i < attemptNumber; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
