package dispatch

import "time"

// Backoff returns the delay before the attempt-th retry (1-based):
// base * 2^(attempt-1), capped at max. Non-decreasing in attempt.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Shift overflow guard: past 62 doublings the cap always wins.
	if attempt > 62 {
		return max
	}
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}
