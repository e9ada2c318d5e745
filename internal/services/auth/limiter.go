package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

type limiterKey struct {
	user, plugin int64
}

// Limiter bounds authentication attempts per (user, plugin).
type Limiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[limiterKey]*rate.Limiter
}

// NewLimiter allows perMinute attempts with the given burst. A
// non-positive rate disables limiting.
func NewLimiter(perMinute float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		limiters: make(map[limiterKey]*rate.Limiter),
	}
}

// Allow consumes one attempt.
func (l *Limiter) Allow(userID, pluginID int64) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey{userID, pluginID}
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim.Allow()
}

// Reset forgets the attempts for (user, plugin) after a success.
func (l *Limiter) Reset(userID, pluginID int64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, limiterKey{userID, pluginID})
	l.mu.Unlock()
}
