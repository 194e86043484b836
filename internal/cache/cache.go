// Package cache provides a generic in-memory cache that expires entries by TTL
// and absolute age, evicts by value score when full, and optionally persists
// a JSON snapshot of itself.
//
// # Eviction Score
//
// When a Set would grow the cache past MaxSize, every entry is scored and the
// lowest max(1, ⌊size×0.1⌋) are removed:
//
//	score     = quality×0.4 + frequency×0.3 + recency×0.3
//	frequency = min(1, accessCount / ageMinutes) × 100
//	recency   = 100 / (1 + minutesSinceLastAccess)
//
// Quality is supplied by the caller on Set (0–100), so high-quality records
// survive pressure from a burst of one-off lookups.
package cache

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
)

// RemovalReason explains why an entry left the cache without an explicit Delete.
type RemovalReason string

const (
	ReasonExpired RemovalReason = "expired"
	ReasonEvicted RemovalReason = "evicted"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxSize    = 100
	DefaultTTL        = time.Hour
	DefaultMaxAge     = 7 * 24 * time.Hour
	evictionFraction  = 0.1
	snapshotVersion   = 1
	qualityWeight     = 0.4
	frequencyWeight   = 0.3
	recencyWeight     = 0.3
	maxComponentScore = 100
)

// Options configures a Cache.
type Options struct {
	MaxSize    int
	DefaultTTL time.Duration
	MaxAge     time.Duration

	// SweepInterval enables a background purge of expired entries. Zero disables it.
	SweepInterval time.Duration

	// Store enables snapshot persistence. Nil keeps the cache memory-only.
	Store SnapshotStore

	Clock    clockwork.Clock
	Logger   *slog.Logger
	OnRemove func(key string, reason RemovalReason)
}

// SetOptions carries per-entry metadata.
type SetOptions struct {
	TTL     time.Duration
	Quality float64
	Source  string
}

// Entry is a cached value with its bookkeeping.
type Entry[T any] struct {
	Data           T         `json:"data"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Quality        float64   `json:"quality"`
	Source         string    `json:"source"`
	AccessCount    int       `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Age returns how long ago the entry was written.
func (e Entry[T]) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size           int     `json:"size"`
	MaxSize        int     `json:"max_size"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	Expirations    uint64  `json:"expirations"`
	HitRate        float64 `json:"hit_rate"`
	AverageQuality float64 `json:"average_quality"`
}

type snapshot[T any] struct {
	Version int                  `json:"version"`
	Entries map[string]*Entry[T] `json:"entries"`
}

type removal struct {
	key    string
	reason RemovalReason
}

// Cache is safe for concurrent use.
type Cache[T any] struct {
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger

	mu          sync.Mutex
	entries     map[string]*Entry[T]
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache, restoring the snapshot from opts.Store when present.
func New[T any](opts Options) *Cache[T] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Cache[T]{
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
		entries: make(map[string]*Entry[T]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.restore()

	if opts.SweepInterval > 0 {
		go c.sweepLoop(opts.SweepInterval)
	} else {
		close(c.done)
	}
	return c
}

// Get returns the value for key and records the access.
func (c *Cache[T]) Get(key string) (T, bool) {
	e, ok := c.GetEntry(key)
	return e.Data, ok
}

// GetEntry returns a copy of the entry for key and records the access.
func (c *Cache[T]) GetEntry(key string) (Entry[T], bool) {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return Entry[T]{}, false
	}
	if c.expired(e, now) {
		delete(c.entries, key)
		c.misses++
		c.expirations++
		c.persistLocked()
		c.mu.Unlock()
		c.notify([]removal{{key, ReasonExpired}})
		return Entry[T]{}, false
	}
	e.AccessCount++
	e.LastAccessedAt = now
	c.hits++
	out := *e
	c.mu.Unlock()
	return out, true
}

// Has reports whether key holds a live entry without counting an access.
func (c *Cache[T]) Has(key string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.expired(e, now) {
		delete(c.entries, key)
		c.expirations++
		c.persistLocked()
		c.mu.Unlock()
		c.notify([]removal{{key, ReasonExpired}})
		return false
	}
	c.mu.Unlock()
	return ok
}

// Set stores value under key. Adding a new key to a full cache evicts the
// lowest-scoring entries first.
func (c *Cache[T]) Set(key string, value T, so SetOptions) {
	now := c.clock.Now()
	ttl := so.TTL
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	c.mu.Lock()
	var removed []removal
	prev, exists := c.entries[key]
	if !exists && len(c.entries) >= c.opts.MaxSize {
		removed = c.evictLocked(now)
	}

	e := &Entry[T]{
		Data:           value,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		Quality:        clamp(so.Quality, 0, maxComponentScore),
		Source:         so.Source,
		LastAccessedAt: now,
	}
	if exists {
		e.AccessCount = prev.AccessCount
	}
	c.entries[key] = e
	c.persistLocked()
	c.mu.Unlock()

	c.notify(removed)
}

// Delete removes key.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	c.persistLocked()
}

// Clear removes every entry. Counters are kept.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry[T])
	c.persistLocked()
}

// Len returns the number of stored entries, including ones that have expired
// but not yet been purged.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the current counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:        len(c.entries),
		MaxSize:     c.opts.MaxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if len(c.entries) > 0 {
		var sum float64
		for _, e := range c.entries {
			sum += e.Quality
		}
		s.AverageQuality = sum / float64(len(c.entries))
	}
	return s
}

// Sweep purges expired and over-age entries and returns how many it removed.
func (c *Cache[T]) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	var removed []removal
	for key, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, key)
			c.expirations++
			removed = append(removed, removal{key, ReasonExpired})
		}
	}
	if len(removed) > 0 {
		c.persistLocked()
	}
	c.mu.Unlock()

	c.notify(removed)
	return len(removed)
}

// Close stops the background sweep. The snapshot store is not closed.
func (c *Cache[T]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

func (c *Cache[T]) sweepLoop(interval time.Duration) {
	defer close(c.done)

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.Chan():
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep", "removed", n)
			}
		}
	}
}

func (c *Cache[T]) expired(e *Entry[T], now time.Time) bool {
	return now.After(e.ExpiresAt) || now.Sub(e.CreatedAt) > c.opts.MaxAge
}

// evictLocked removes the lowest-scoring tenth of the cache.
func (c *Cache[T]) evictLocked(now time.Time) []removal {
	type scored struct {
		key   string
		score float64
	}
	ranked := make([]scored, 0, len(c.entries))
	for key, e := range c.entries {
		ranked = append(ranked, scored{key, score(e, now)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].key < ranked[j].key
		}
		return ranked[i].score < ranked[j].score
	})

	n := evictionCount(len(ranked), c.opts.MaxSize)
	removed := make([]removal, 0, n)
	for _, r := range ranked[:n] {
		delete(c.entries, r.key)
		c.evictions++
		removed = append(removed, removal{r.key, ReasonEvicted})
	}
	return removed
}

// evictionCount returns how many entries one pass removes from a cache of
// size entries about to take one more. It is the lowest-scoring tenth,
// bounded so that the cache holds at least ⌈maxSize×0.9⌉ entries once the new
// one is in, and never less than the single slot the new entry needs.
func evictionCount(size, maxSize int) int {
	n := int(math.Floor(float64(size) * evictionFraction))
	floor := int(math.Ceil(float64(maxSize) * (1 - evictionFraction)))
	n = min(n, size+1-floor)
	return min(size, max(1, n))
}

func score[T any](e *Entry[T], now time.Time) float64 {
	ageMinutes := math.Max(1, now.Sub(e.CreatedAt).Minutes())
	frequency := math.Min(1, float64(e.AccessCount)/ageMinutes) * maxComponentScore

	sinceAccess := math.Max(0, now.Sub(e.LastAccessedAt).Minutes())
	recency := maxComponentScore / (1 + sinceAccess)

	return e.Quality*qualityWeight + frequency*frequencyWeight + recency*recencyWeight
}

func (c *Cache[T]) notify(removed []removal) {
	if c.opts.OnRemove == nil {
		return
	}
	for _, r := range removed {
		c.opts.OnRemove(r.key, r.reason)
	}
}

// persistLocked writes the full map to the store. Failures are logged and
// otherwise ignored.
func (c *Cache[T]) persistLocked() {
	if c.opts.Store == nil {
		return
	}
	data, err := json.Marshal(snapshot[T]{Version: snapshotVersion, Entries: c.entries})
	if err != nil {
		c.logger.Warn("encode cache snapshot failed", "error", err)
		return
	}
	if err := c.opts.Store.Save(data); err != nil {
		c.logger.Warn("save cache snapshot failed", "error", err)
	}
}

// restore loads the snapshot, discarding expired entries. A missing or
// corrupt snapshot leaves the cache empty.
func (c *Cache[T]) restore() {
	if c.opts.Store == nil {
		return
	}
	data, err := c.opts.Store.Load()
	if err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			c.logger.Warn("load cache snapshot failed", "error", err)
		}
		return
	}

	var snap snapshot[T]
	if err := json.Unmarshal(data, &snap); err != nil || snap.Version != snapshotVersion {
		c.logger.Warn("discarding unreadable cache snapshot", "error", err, "version", snap.Version)
		return
	}

	now := c.clock.Now()
	for key, e := range snap.Entries {
		if e == nil || c.expired(e, now) {
			continue
		}
		c.entries[key] = e
	}
	for len(c.entries) > c.opts.MaxSize {
		c.evictLocked(now)
	}
	c.logger.Debug("cache snapshot restored", "entries", len(c.entries))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
