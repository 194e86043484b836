// Package ratelimit enforces per-domain fixed-window request quotas.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Limit allows Requests calls per Window to one domain.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Spacing is the minimum gap between consecutive calls that keeps a steady
// caller inside the limit.
func (l Limit) Spacing() time.Duration {
	if l.Requests <= 0 {
		return l.Window
	}
	return l.Window / time.Duration(l.Requests)
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter tracks one fixed window per configured domain. Windows are reset
// lazily on the first call after they elapse. Unconfigured domains are never
// limited.
type Limiter struct {
	clock  clockwork.Clock
	limits map[string]Limit

	mu      sync.Mutex
	windows map[string]*window
}

// New creates a limiter for the given domain limits. A nil clock uses real time.
func New(limits map[string]Limit, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	copied := make(map[string]Limit, len(limits))
	for domain, l := range limits {
		if l.Requests > 0 && l.Window > 0 {
			copied[domain] = l
		}
	}
	return &Limiter{
		clock:   clock,
		limits:  copied,
		windows: make(map[string]*window),
	}
}

// TryConsume takes one slot from domain's current window and reports whether
// the call may proceed. A denial consumes nothing.
func (l *Limiter) TryConsume(domain string) bool {
	limit, ok := l.limits[domain]
	if !ok {
		return true
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[domain]
	if !ok || !now.Before(w.resetAt) {
		l.windows[domain] = &window{count: 1, resetAt: now.Add(limit.Window)}
		return true
	}
	if w.count < limit.Requests {
		w.count++
		return true
	}
	return false
}

// Limit returns the configured limit for domain.
func (l *Limiter) Limit(domain string) (Limit, bool) {
	limit, ok := l.limits[domain]
	return limit, ok
}

// RetryAfter returns how long until domain's active window resets. It is zero
// when the domain is unlimited or has capacity left.
func (l *Limiter) RetryAfter(domain string) time.Duration {
	limit, ok := l.limits[domain]
	if !ok {
		return 0
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[domain]
	if !ok || !now.Before(w.resetAt) || w.count < limit.Requests {
		return 0
	}
	return w.resetAt.Sub(now)
}
