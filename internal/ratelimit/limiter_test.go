package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(requests int, window time.Duration) (*Limiter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return New(map[string]Limit{"ipapi.co": {Requests: requests, Window: window}}, clock), clock
}

func TestTryConsume_WithinLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	assert.True(t, l.TryConsume("ipapi.co"))
	assert.True(t, l.TryConsume("ipapi.co"))
	assert.True(t, l.TryConsume("ipapi.co"))
	assert.False(t, l.TryConsume("ipapi.co"))
	assert.False(t, l.TryConsume("ipapi.co"))
}

func TestTryConsume_WindowResetsLazily(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	assert.True(t, l.TryConsume("ipapi.co"))
	assert.True(t, l.TryConsume("ipapi.co"))
	assert.False(t, l.TryConsume("ipapi.co"))

	clock.Advance(59 * time.Second)
	assert.False(t, l.TryConsume("ipapi.co"))

	clock.Advance(time.Second)
	assert.True(t, l.TryConsume("ipapi.co"))
	assert.True(t, l.TryConsume("ipapi.co"))
	assert.False(t, l.TryConsume("ipapi.co"))
}

func TestTryConsume_UnconfiguredDomainAlwaysAllowed(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	for range 100 {
		assert.True(t, l.TryConsume("nominatim.openstreetmap.org"))
	}
}

func TestTryConsume_DomainsAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(map[string]Limit{
		"a.example": {Requests: 1, Window: time.Minute},
		"b.example": {Requests: 1, Window: time.Minute},
	}, clock)

	assert.True(t, l.TryConsume("a.example"))
	assert.False(t, l.TryConsume("a.example"))
	assert.True(t, l.TryConsume("b.example"))
}

func TestTryConsume_NeverExceedsLimitConcurrently(t *testing.T) {
	l, _ := newTestLimiter(10, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryConsume("ipapi.co") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestNew_IgnoresInvalidLimits(t *testing.T) {
	l := New(map[string]Limit{"zero.example": {Requests: 0, Window: time.Minute}}, nil)

	_, ok := l.Limit("zero.example")
	assert.False(t, ok)
	assert.True(t, l.TryConsume("zero.example"))
}

func TestRetryAfter(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)

	assert.Zero(t, l.RetryAfter("ipapi.co"))
	assert.True(t, l.TryConsume("ipapi.co"))
	assert.Equal(t, time.Minute, l.RetryAfter("ipapi.co"))

	clock.Advance(20 * time.Second)
	assert.Equal(t, 40*time.Second, l.RetryAfter("ipapi.co"))

	clock.Advance(40 * time.Second)
	assert.Zero(t, l.RetryAfter("ipapi.co"))
	assert.Zero(t, l.RetryAfter("unlimited.example"))
}

func TestLimitSpacing(t *testing.T) {
	assert.Equal(t, 2*time.Second, Limit{Requests: 30, Window: time.Minute}.Spacing())
	assert.Equal(t, time.Minute, Limit{Requests: 0, Window: time.Minute}.Spacing())
}
