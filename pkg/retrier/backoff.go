package retrier

import "time"

// NextRetryDuration returns how long to wait after the given number of
// failed attempts: base, 2*base, 4*base, ... capped at max.
func NextRetryDuration(base, max time.Duration, attempts uint32) time.Duration {
	if attempts == 0 {
		return 0
	}
	d := base
	for i := uint32(1); i < attempts; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
