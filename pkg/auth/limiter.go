package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

// Fallback limits for a SecConfig that leaves rate limiting unset.
const (
	defaultRPS   rate.Limit = 20
	defaultBurst            = 40
)

// callerLimiters hands out one token bucket per caller identity (API key,
// falling back to client IP), created lazily on first sight.
type callerLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

func newCallerLimiters(cfg SecConfig) *callerLimiters {
	rps := rate.Limit(cfg.RPS)
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &callerLimiters{
		buckets: make(map[string]*rate.Limiter),
		rps:     rps,
		burst:   burst,
	}
}

// Allow consumes one token from the caller's bucket.
func (cl *callerLimiters) Allow(caller string) bool {
	cl.mu.Lock()
	b, ok := cl.buckets[caller]
	if !ok {
		b = rate.NewLimiter(cl.rps, cl.burst)
		cl.buckets[caller] = b
	}
	cl.mu.Unlock()
	return b.Allow()
}
