package queue

import "time"

// Backoff returns base·2^attempt, capped at max when max is positive.
// With a one minute base: attempt 0 -> 1m, 1 -> 2m, 2 -> 4m.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		next := d * 2
		if next < d {
			// overflow
			if max > 0 {
				return max
			}
			return d
		}
		d = next
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
