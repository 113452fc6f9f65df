package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// HTTPLimiter is a per-key token-bucket limiter for HTTP endpoints, used by
// the Permission Bridge's /permission hook endpoint to bound request rate
// from the local hook script.
type HTTPLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewHTTPLimiter builds a limiter allowing rps requests per second per key,
// with the given burst.
func NewHTTPLimiter(rps float64, burst int) *HTTPLimiter {
	return &HTTPLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request for key may proceed right now.
func (h *HTTPLimiter) Allow(key string) bool {
	h.mu.Lock()
	lim, ok := h.limiters[key]
	if !ok {
		lim = rate.NewLimiter(h.rps, h.burst)
		h.limiters[key] = lim
	}
	h.mu.Unlock()
	return lim.Allow()
}
