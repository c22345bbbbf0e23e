package retry

import (
	"math"
	"time"
)

// CalculateBackoffDuration returns initialInterval * multiplier^attempt,
// capped at maxInterval. Used for redelivery delays where the schedule
// must be deterministic rather than jittered.
func CalculateBackoffDuration(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt))
	if duration > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(duration)
}

// LinearBackoffDuration returns interval * attempt. Used by the broker
// reconnect loop, where attempt counts from 1.
func LinearBackoffDuration(attempt int, interval time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * interval
}
