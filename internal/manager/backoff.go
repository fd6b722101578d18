package manager

import (
	"math/rand"
	"time"
)

// BackoffDelay is the pre-jitter reconnect delay after attempts
// consecutive disconnects: base doubled per attempt, capped both by the
// exponent (2^10) and by max.
func BackoffDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	d := base << uint(attempts)
	if d <= 0 || d > max {
		d = max
	}
	return d
}

// withJitter spreads reconnects out by up to 25% so a fleet of accounts
// dropped by one provider outage does not reconnect in lockstep.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
