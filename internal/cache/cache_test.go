package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	City string  `json:"city"`
	Lat  float64 `json:"lat"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, opts Options) (*Cache[record], *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	if opts.Clock == nil {
		opts.Clock = clock
	} else {
		clock = opts.Clock.(*clockwork.FakeClock)
	}
	opts.Logger = discardLogger()
	c := New[record](opts)
	t.Cleanup(c.Close)
	return c, clock
}

func newBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerStore(db)
}

func TestCache_SetGet(t *testing.T) {
	c, _ := newTestCache(t, Options{})

	c.Set("location:current", record{City: "Austin"}, SetOptions{Quality: 80, Source: "ip"})

	got, ok := c.Get("location:current")
	require.True(t, ok)
	assert.Equal(t, "Austin", got.City)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.InDelta(t, 80, stats.AverageQuality, 1e-9)
}

func TestCache_GetEntryTracksAccess(t *testing.T) {
	c, clock := newTestCache(t, Options{})

	c.Set("k", record{City: "Austin"}, SetOptions{Quality: 50, Source: "device"})
	clock.Advance(time.Minute)
	c.Get("k")
	e, ok := c.GetEntry("k")

	require.True(t, ok)
	assert.Equal(t, 2, e.AccessCount)
	assert.Equal(t, clock.Now(), e.LastAccessedAt)
	assert.Equal(t, "device", e.Source)
	assert.Equal(t, time.Minute, e.Age(clock.Now()))
}

func TestCache_TTLExpiry(t *testing.T) {
	var (
		mu      sync.Mutex
		reasons []RemovalReason
	)
	c, clock := newTestCache(t, Options{OnRemove: func(_ string, r RemovalReason) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, r)
	}})

	c.Set("k", record{City: "Austin"}, SetOptions{TTL: 100 * time.Millisecond})
	clock.Advance(100 * time.Millisecond)
	assert.True(t, c.Has("k"), "entry lives until now passes expiresAt")

	clock.Advance(50 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entries are deleted on access")
	assert.Equal(t, uint64(1), c.Stats().Expirations)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []RemovalReason{ReasonExpired}, reasons)
}

func TestCache_MaxAgeExpiry(t *testing.T) {
	c, clock := newTestCache(t, Options{MaxAge: time.Hour})

	c.Set("k", record{City: "Austin"}, SetOptions{TTL: 24 * time.Hour})
	clock.Advance(time.Hour + time.Second)

	assert.False(t, c.Has("k"))
}

func TestCache_EvictsLowestQuality(t *testing.T) {
	c, _ := newTestCache(t, Options{MaxSize: 10})

	for i := range 10 {
		c.Set(fmt.Sprintf("k%d", i), record{}, SetOptions{Quality: float64(10 + i*10)})
	}
	c.Set("new", record{}, SetOptions{Quality: 50})

	assert.Equal(t, 10, c.Len())
	assert.False(t, c.Has("k0"), "lowest-scoring entry is evicted")
	assert.True(t, c.Has("k1"))
	assert.True(t, c.Has("new"))
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_SmallCacheEvictsOneAtATime(t *testing.T) {
	c, _ := newTestCache(t, Options{MaxSize: 5})

	for i := range 5 {
		c.Set(fmt.Sprintf("k%d", i), record{}, SetOptions{Quality: float64(10 + i*10)})
	}
	for i := range 3 {
		c.Set(fmt.Sprintf("new%d", i), record{}, SetOptions{Quality: 90})
		assert.Equal(t, 5, c.Len(), "each insert frees exactly one slot")
	}
	assert.Equal(t, uint64(3), c.Stats().Evictions)
}

func TestEvictionCount(t *testing.T) {
	tests := []struct {
		size, maxSize, want int
	}{
		{100, 100, 10},
		{10, 10, 1},
		{5, 5, 1},
		{1, 1, 1},
		{19, 19, 1},
		{20, 20, 2},
	}
	for _, tt := range tests {
		got := evictionCount(tt.size, tt.maxSize)
		assert.Equal(t, tt.want, got, "size=%d max=%d", tt.size, tt.maxSize)
		assert.GreaterOrEqual(t, float64(tt.size-got+1), float64(tt.maxSize)*0.9)
	}
}

func TestCache_EvictionFavoursFrequentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, Options{MaxSize: 2})

	c.Set("hot", record{}, SetOptions{Quality: 10})
	c.Set("cold", record{}, SetOptions{Quality: 50})
	for range 5 {
		c.Get("hot")
	}
	c.Set("third", record{}, SetOptions{Quality: 10})

	assert.True(t, c.Has("hot"))
	assert.False(t, c.Has("cold"))
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(t, Options{MaxSize: 2})

	c.Set("a", record{City: "A"}, SetOptions{})
	c.Set("b", record{City: "B"}, SetOptions{})
	c.Set("a", record{City: "A2"}, SetOptions{})

	assert.Equal(t, 2, c.Len())
	got, _ := c.Get("a")
	assert.Equal(t, "A2", got.City)
	assert.Zero(t, c.Stats().Evictions)
}

func TestCache_SizeStaysNearMaxUnderPressure(t *testing.T) {
	c, clock := newTestCache(t, Options{MaxSize: 20})

	for i := range 200 {
		c.Set(fmt.Sprintf("k%d", i), record{}, SetOptions{Quality: float64(i % 100)})
		clock.Advance(time.Second)
		if i >= 19 {
			n := c.Len()
			assert.LessOrEqual(t, n, 20)
			assert.GreaterOrEqual(t, n, 18)
		}
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(t, Options{})

	c.Set("a", record{}, SetOptions{})
	c.Set("b", record{}, SetOptions{})
	c.Delete("a")
	c.Delete("missing")
	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(t, Options{})

	c.Set("short", record{}, SetOptions{TTL: time.Minute})
	c.Set("long", record{}, SetOptions{TTL: time.Hour})
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestCache_BackgroundSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestCache(t, Options{Clock: clock, SweepInterval: time.Minute})

	c.Set("short", record{}, SetOptions{TTL: 30 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCache_SnapshotRoundTrip(t *testing.T) {
	store := newBadgerStore(t)
	clock := clockwork.NewFakeClock()

	first, _ := newTestCache(t, Options{Store: store, Clock: clock})
	first.Set("location:current", record{City: "Austin", Lat: 30.27}, SetOptions{Quality: 90, Source: "device"})
	first.Close()

	second, _ := newTestCache(t, Options{Store: store, Clock: clock})
	e, ok := second.GetEntry("location:current")

	require.True(t, ok)
	assert.Equal(t, record{City: "Austin", Lat: 30.27}, e.Data)
	assert.Equal(t, 90.0, e.Quality)
	assert.Equal(t, "device", e.Source)
}

func TestCache_SnapshotDropsExpired(t *testing.T) {
	store := newBadgerStore(t)
	clock := clockwork.NewFakeClock()

	first, _ := newTestCache(t, Options{Store: store, Clock: clock})
	first.Set("short", record{}, SetOptions{TTL: time.Minute})
	first.Set("long", record{}, SetOptions{TTL: time.Hour})

	clock.Advance(2 * time.Minute)
	second, _ := newTestCache(t, Options{Store: store, Clock: clock})

	assert.Equal(t, 1, second.Len())
	assert.True(t, second.Has("long"))
}

func TestCache_CorruptSnapshotStartsEmpty(t *testing.T) {
	store := newBadgerStore(t)
	require.NoError(t, store.Save([]byte("{not json")))

	c, _ := newTestCache(t, Options{Store: store})

	assert.Equal(t, 0, c.Len())
	c.Set("k", record{City: "Austin"}, SetOptions{})
	assert.True(t, c.Has("k"))
}

func TestCache_ClearPersists(t *testing.T) {
	store := newBadgerStore(t)
	clock := clockwork.NewFakeClock()

	first, _ := newTestCache(t, Options{Store: store, Clock: clock})
	first.Set("k", record{}, SetOptions{})
	first.Clear()

	second, _ := newTestCache(t, Options{Store: store, Clock: clock})
	assert.Equal(t, 0, second.Len())
}

func TestBadgerStore_LoadEmpty(t *testing.T) {
	store := newBadgerStore(t)

	_, err := store.Load()
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, Options{MaxSize: 50})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 50 {
				key := fmt.Sprintf("k%d-%d", i, j%10)
				c.Set(key, record{}, SetOptions{Quality: float64(j)})
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}
