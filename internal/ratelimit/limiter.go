package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter enforces per-client request rates on the command endpoints.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing requestsPerHour sustained requests
// per client with the given burst.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
	}
}

// GetLimiter returns the rate limiter for a specific client.
func (l *Limiter) GetLimiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = limiter
	}
	return limiter
}

// Allow checks whether a request from the given client is allowed.
func (l *Limiter) Allow(clientID string) bool {
	return l.GetLimiter(clientID).Allow()
}

// Tokens returns the number of tokens currently available to a client.
func (l *Limiter) Tokens(clientID string) float64 {
	return l.GetLimiter(clientID).Tokens()
}
