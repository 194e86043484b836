// Package resolver arbitrates detection strategies into one scored location
// record and keeps it fresh.
//
// A detection runs every strategy concurrently and waits for all of them. The
// candidates are ranked by domain.SelectionScore and validated best first; the
// first valid one becomes the current record, is cached, is handed to
// subscribers, and sets the next background refresh by its quality tier. When
// no candidate survives, a static fallback record is returned instead so
// callers always get an answer.
//
// At most one detection is in flight. Forced callers join it; unforced
// callers get the cached record, the last known record, or the fallback
// without waiting.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/location-resolver/internal/cache"
	"github.com/couchcryptid/location-resolver/internal/config"
	"github.com/couchcryptid/location-resolver/internal/domain"
	"github.com/couchcryptid/location-resolver/internal/observability"
	"github.com/couchcryptid/location-resolver/internal/validate"
)

const (
	currentKey         = "location:current"
	detectKey          = "detect"
	fallbackQuality    = 10
	fallbackConfidence = 0.1

	highQuality   = 80
	mediumQuality = 50

	defaultResolveTimeout = 20 * time.Second
)

// ErrNotReady is returned by CheckReadiness until a detection has completed.
var ErrNotReady = errors.New("no location resolved yet")

// Upstream is the request layer behind the geocoder and strategies.
type Upstream interface {
	ClearCache()
	Close()
}

// Options configures a Resolver. Strategies, Validator, Cache and Metrics
// are required.
type Options struct {
	Strategies []domain.Strategy
	Geocoder   domain.Geocoder
	Finder     domain.TimezoneFinder
	Validator  *validate.Validator
	Cache      *cache.Cache[domain.LocationRecord]
	Upstream   Upstream

	Refresh        config.RefreshTuning
	Fallback       config.FallbackLocation
	ResolveTimeout time.Duration

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type outcome struct {
	record   domain.LocationRecord
	fallback bool
}

type subscriber struct {
	id uint64
	fn func(domain.LocationRecord)
}

// Resolver is safe for concurrent use.
type Resolver struct {
	strategies     []domain.Strategy
	geocoder       domain.Geocoder
	finder         domain.TimezoneFinder
	validator      *validate.Validator
	cache          *cache.Cache[domain.LocationRecord]
	upstream       Upstream
	refresh        config.RefreshTuning
	fallback       config.FallbackLocation
	resolveTimeout time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger
	metrics        *observability.Metrics

	// ctx bounds detections; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	group     singleflight.Group
	resolving atomic.Bool
	ready     atomic.Bool

	mu          sync.Mutex
	subscribers []subscriber
	nextSubID   uint64
	lastKnown   *domain.LocationRecord
	timer       clockwork.Timer
	retryDelay  time.Duration
	closed      bool
}

// New creates a Resolver. It does not detect until Start or DetectLocation.
func New(opts Options) *Resolver {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = defaultResolveTimeout
	}
	defaults := config.DefaultTuning()
	if opts.Refresh.High <= 0 || opts.Refresh.Medium <= 0 || opts.Refresh.Low <= 0 {
		opts.Refresh = defaults.Refresh
	}
	if opts.Refresh.StaleAfter <= 0 {
		opts.Refresh.StaleAfter = defaults.Refresh.StaleAfter
	}
	if opts.Refresh.RetryBase <= 0 {
		opts.Refresh.RetryBase = defaults.Refresh.RetryBase
	}
	if opts.Fallback.City == "" {
		opts.Fallback = defaults.Fallback
	}
	if opts.Fallback.TTL <= 0 {
		opts.Fallback.TTL = defaults.Fallback.TTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		strategies:     opts.Strategies,
		geocoder:       opts.Geocoder,
		finder:         opts.Finder,
		validator:      opts.Validator,
		cache:          opts.Cache,
		upstream:       opts.Upstream,
		refresh:        opts.Refresh,
		fallback:       opts.Fallback,
		resolveTimeout: opts.ResolveTimeout,
		clock:          opts.Clock,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start warms the resolver. A record restored from the cache snapshot is
// served as is and only schedules its refresh; otherwise a detection runs.
func (r *Resolver) Start(ctx context.Context) error {
	r.metrics.ResolverRunning.Set(1)

	if e, ok := r.cache.GetEntry(currentKey); ok {
		r.logger.Info("restored cached location",
			"city", e.Data.City,
			"source", e.Data.Source,
			"quality", e.Data.Quality,
			"age", e.Age(r.clock.Now()),
		)
		if e.Data.Source != domain.SourceFallback {
			r.setLastKnown(e.Data)
		}
		r.ready.Store(true)
		r.metrics.RecordQuality.Set(e.Data.Quality)
		r.scheduleRefresh(max(0, r.intervalFor(e.Data.Quality)-e.Age(r.clock.Now())))
		return nil
	}

	rec, err := r.DetectLocation(ctx, true)
	if err != nil {
		return fmt.Errorf("initial detection: %w", err)
	}
	r.logger.Info("initial location resolved",
		"city", rec.City,
		"source", rec.Source,
		"quality", rec.Quality,
	)
	return nil
}

// Close stops background refreshes, aborts an in-flight detection, and
// closes the cache and upstream layer.
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	r.cancel()
	r.cache.Close()
	if r.upstream != nil {
		r.upstream.Close()
	}
	r.metrics.ResolverRunning.Set(0)
}

// CheckReadiness reports whether a location has been resolved.
func (r *Resolver) CheckReadiness(context.Context) error {
	if !r.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// DetectLocation returns the current location. The only error is ctx ending
// while waiting for a detection; that detection still completes in the
// background.
func (r *Resolver) DetectLocation(ctx context.Context, force bool) (domain.LocationRecord, error) {
	if !force {
		if e, ok := r.cache.GetEntry(currentKey); ok {
			r.metrics.Detections.WithLabelValues("cached").Inc()
			if e.Age(r.clock.Now()) > r.refresh.StaleAfter {
				r.refreshInBackground()
			}
			return e.Data, nil
		}
		if r.resolving.Load() {
			r.metrics.Detections.WithLabelValues("inflight").Inc()
			return r.lastKnownOrFallback(), nil
		}
	}

	ch := r.group.DoChan(detectKey, r.detect)
	select {
	case res := <-ch:
		return res.Val.(outcome).record, nil
	case <-ctx.Done():
		return domain.LocationRecord{}, ctx.Err()
	}
}

// LastKnown returns the most recent validated record, if any.
func (r *Resolver) LastKnown() (domain.LocationRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastKnown == nil {
		return domain.LocationRecord{}, false
	}
	return *r.lastKnown, true
}

// ClearCache drops cached records and upstream responses.
func (r *Resolver) ClearCache() {
	r.cache.Clear()
	if r.upstream != nil {
		r.upstream.ClearCache()
	}
	r.logger.Info("location cache cleared")
}

// CacheStats returns the record cache counters.
func (r *Resolver) CacheStats() cache.Stats {
	return r.cache.Stats()
}

func (r *Resolver) refreshInBackground() {
	if r.resolving.Load() {
		return
	}
	go r.group.Do(detectKey, r.detect)
}

// detect is the singleflight body. It never fails.
func (r *Resolver) detect() (any, error) {
	r.resolving.Store(true)
	defer r.resolving.Store(false)

	ctx, cancel := context.WithTimeout(r.ctx, r.resolveTimeout)
	defer cancel()

	start := r.clock.Now()
	candidates := r.runStrategies(ctx)

	out := outcome{fallback: true}
	for _, c := range candidates {
		rec, ok := r.finalize(c)
		if !ok {
			r.metrics.StrategyResults.WithLabelValues(string(c.Source), "rejected").Inc()
			continue
		}
		out = outcome{record: rec}
		break
	}

	if out.fallback {
		out.record = r.fallbackRecord()
		r.storeFallback(out.record)
		r.metrics.Detections.WithLabelValues("fallback").Inc()
		r.logger.Warn("no valid location candidate, using fallback",
			"candidates", len(candidates),
			"city", out.record.City,
		)
	} else {
		r.store(out.record)
		r.metrics.Detections.WithLabelValues("resolved").Inc()
		r.logger.Info("location resolved",
			"city", out.record.City,
			"source", out.record.Source,
			"provider", out.record.Provider,
			"quality", out.record.Quality,
			"confidence", out.record.Confidence,
			"duration", r.clock.Since(start),
		)
		r.notify(out.record)
	}

	r.ready.Store(true)
	r.afterDetection(out)
	return out, nil
}

// runStrategies runs every strategy to completion and returns the found
// candidates ranked best first. Ties keep strategy order.
func (r *Resolver) runStrategies(ctx context.Context) []domain.LocationCandidate {
	found := make([]*domain.LocationCandidate, len(r.strategies))

	var g errgroup.Group
	for i, s := range r.strategies {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("strategy panicked", "strategy", s.Name(), "panic", p)
					r.metrics.StrategyResults.WithLabelValues(s.Name(), "panic").Inc()
				}
			}()
			c, ok := s.Detect(ctx)
			if !ok {
				r.metrics.StrategyResults.WithLabelValues(s.Name(), "empty").Inc()
				return nil
			}
			r.metrics.StrategyResults.WithLabelValues(s.Name(), "found").Inc()
			found[i] = &c
			return nil
		})
	}
	_ = g.Wait()

	candidates := make([]domain.LocationCandidate, 0, len(found))
	for _, c := range found {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return domain.SelectionScore(candidates[i]) > domain.SelectionScore(candidates[j])
	})
	return candidates
}

// finalize turns a candidate into a scored record, or reports false when it
// does not validate. The raw candidate is validated before sanitizing so
// out-of-range values are rejected rather than clamped into a plausible
// record; the sanitized record must validate too.
func (r *Resolver) finalize(c domain.LocationCandidate) (domain.LocationRecord, bool) {
	raw := domain.NewRecord(c, r.clock.Now())
	if res := r.validator.Validate(raw); !res.IsValid {
		r.reject(raw, res)
		return domain.LocationRecord{}, false
	}

	rec := r.validator.Sanitize(raw)
	res := r.validator.Validate(rec)
	if !res.IsValid {
		r.reject(rec, res)
		return domain.LocationRecord{}, false
	}
	rec.Confidence = min(rec.Confidence, res.Confidence)
	rec.Quality = r.validator.QualityScore(rec)
	return rec, true
}

func (r *Resolver) reject(rec domain.LocationRecord, res validate.Result) {
	r.logger.Debug("candidate rejected",
		"source", rec.Source,
		"provider", rec.Provider,
		"errors", res.Errors,
	)
}

func (r *Resolver) fallbackRecord() domain.LocationRecord {
	f := r.fallback
	return domain.LocationRecord{
		City:       f.City,
		State:      f.State,
		Country:    f.Country,
		Lat:        f.Lat,
		Lon:        f.Lon,
		Timezone:   f.Timezone,
		Accuracy:   domain.AccuracyCity,
		Quality:    fallbackQuality,
		Confidence: fallbackConfidence,
		Source:     domain.SourceFallback,
		Timestamp:  r.clock.Now(),
	}
}

func (r *Resolver) store(rec domain.LocationRecord) {
	so := cache.SetOptions{
		TTL:     r.intervalFor(rec.Quality),
		Quality: rec.Quality,
		Source:  string(rec.Source),
	}
	r.cache.Set(currentKey, rec, so)
	r.cache.Set(coordsKey(rec.Lat, rec.Lon), rec, so)
	r.setLastKnown(rec)
	r.metrics.RecordQuality.Set(rec.Quality)
}

// storeFallback caches the fallback unless a live record is still cached.
func (r *Resolver) storeFallback(rec domain.LocationRecord) {
	if r.cache.Has(currentKey) {
		return
	}
	r.cache.Set(currentKey, rec, cache.SetOptions{
		TTL:     r.fallback.TTL,
		Quality: rec.Quality,
		Source:  string(rec.Source),
	})
	r.metrics.RecordQuality.Set(rec.Quality)
}

func (r *Resolver) setLastKnown(rec domain.LocationRecord) {
	r.mu.Lock()
	r.lastKnown = &rec
	r.mu.Unlock()
}

func (r *Resolver) lastKnownOrFallback() domain.LocationRecord {
	if rec, ok := r.LastKnown(); ok {
		return rec
	}
	return r.fallbackRecord()
}

func coordsKey(lat, lon float64) string {
	return fmt.Sprintf("location:coords:%.2f,%.2f", lat, lon)
}
