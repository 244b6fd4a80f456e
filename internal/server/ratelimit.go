package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Default inference rate limits, per caller token.
const (
	DefaultRPS   = 10
	DefaultBurst = 20
)

// rateLimiter keeps one token bucket per caller. The key is the raw bearer
// token so unauthenticated junk shares one bucket per value.
type rateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *rateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	return b
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.rps > 0 && !l.limiter(bearer(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "request rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
