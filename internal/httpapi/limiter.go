package httpapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterRegistry hands out one rate.Limiter per caller identity (API key,
// or remote address when unauthenticated).
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func newLimiterRegistry(rps float64, burst int) *limiterRegistry {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &limiterRegistry{limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

// Allow reports whether the caller identified by id may proceed, lazily
// creating its limiter on first use.
func (l *limiterRegistry) Allow(id string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.limiters[id] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
