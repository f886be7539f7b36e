// Package server throttles inbound frames per connection with a token bucket
// so a single chatty peer cannot flood the hub.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows burst frames at once, refilled at burst per interval.
func newRateLimiter(burst int, interval time.Duration) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	limit := rate.Limit(float64(burst) / interval.Seconds())
	return rate.NewLimiter(limit, burst)
}
