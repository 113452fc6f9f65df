// Package ratelimit implements the two rate limiters chroxy needs: a
// sliding-window-plus-cooldown limiter for WS auth failures (spec section
// 4.4.1) and a thin wrapper around golang.org/x/time/rate for the
// Permission Bridge's HTTP endpoint.
package ratelimit

import (
	"sync"
	"time"
)

// AuthLimiter tracks failed-auth attempts per source key (normally an IP)
// in a sliding window. Once the failure count within the window exceeds
// the threshold, the key enters an exponentially growing cooldown, capped
// at a configured maximum, until a success or the window ages out.
type AuthLimiter struct {
	mu sync.Mutex

	threshold int
	window    time.Duration
	cap       time.Duration

	failures map[string][]time.Time
	cooldown map[string]cooldownState
}

type cooldownState struct {
	until time.Time
	n     int // consecutive cooldown escalations, for 2^n backoff
}

// NewAuthLimiter builds a limiter with the given failure threshold, sliding
// window, and cooldown cap.
func NewAuthLimiter(threshold int, window, cooldownCap time.Duration) *AuthLimiter {
	return &AuthLimiter{
		threshold: threshold,
		window:    window,
		cap:       cooldownCap,
		failures:  make(map[string][]time.Time),
		cooldown:  make(map[string]cooldownState),
	}
}

// Allowed reports whether key may attempt auth right now, and if not, how
// long until it may retry.
func (l *AuthLimiter) Allowed(key string, now time.Time) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cd, ok := l.cooldown[key]; ok {
		if now.Before(cd.until) {
			return false, cd.until.Sub(now)
		}
	}
	return true, 0
}

// RecordFailure records a failed auth attempt for key at now. If the
// sliding-window failure count exceeds the threshold, a cooldown is
// (re)armed with exponential backoff: 2^n seconds, capped.
func (l *AuthLimiter) RecordFailure(key string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.failures[key][:0]
	for _, ts := range l.failures[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	l.failures[key] = kept

	if len(kept) <= l.threshold {
		delete(l.cooldown, key)
		return
	}

	cd := l.cooldown[key]
	cd.n++
	delay := time.Duration(1<<uint(min(cd.n, 32))) * time.Second
	if delay > l.cap {
		delay = l.cap
	}
	cd.until = now.Add(delay)
	l.cooldown[key] = cd
}

// RecordSuccess clears a key's failure history and cooldown state.
func (l *AuthLimiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
	delete(l.cooldown, key)
}
