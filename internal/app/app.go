// Package app builds the location resolver object graph from configuration.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jonboulle/clockwork"

	httpadapter "github.com/couchcryptid/location-resolver/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/location-resolver/internal/adapter/kafka"
	"github.com/couchcryptid/location-resolver/internal/adapter/mapbox"
	"github.com/couchcryptid/location-resolver/internal/adapter/nominatim"
	"github.com/couchcryptid/location-resolver/internal/adapter/tzfinder"
	"github.com/couchcryptid/location-resolver/internal/breaker"
	"github.com/couchcryptid/location-resolver/internal/cache"
	"github.com/couchcryptid/location-resolver/internal/config"
	"github.com/couchcryptid/location-resolver/internal/domain"
	"github.com/couchcryptid/location-resolver/internal/fetch"
	"github.com/couchcryptid/location-resolver/internal/observability"
	"github.com/couchcryptid/location-resolver/internal/ratelimit"
	"github.com/couchcryptid/location-resolver/internal/resolver"
	"github.com/couchcryptid/location-resolver/internal/strategy"
	"github.com/couchcryptid/location-resolver/internal/validate"
)

// App holds the wired service.
type App struct {
	Resolver *resolver.Resolver
	Server   *httpadapter.Server

	logger    *slog.Logger
	publisher *kafkaadapter.Writer
	db        *badger.DB
}

// New wires every component. The resolver is not started.
func New(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*App, error) {
	clock := clockwork.NewRealClock()
	tuning := cfg.Tuning
	if tuning == nil {
		tuning = config.DefaultTuning()
	}

	breakers := breaker.NewRegistry(breaker.Options{
		Threshold:    tuning.Breaker.Threshold,
		ResetTimeout: tuning.Breaker.ResetTimeout,
		Logger:       logger,
		IsSuccessful: fetch.CountsAsSuccess,
		OnStateChange: func(domain, _, to string) {
			metrics.BreakerState.WithLabelValues(domain).Set(observability.BreakerStateValue(to))
		},
	})
	exec := fetch.NewExecutor(fetch.Options{
		Timeout:     cfg.RequestTimeout,
		Retries:     cfg.RequestRetries,
		ResponseTTL: tuning.ResponseTTL,
		Limiter:     ratelimit.New(rateLimits(tuning), clock),
		Breakers:    breakers,
		Queue: fetch.QueueOptions{
			Debounce:  tuning.Queue.Debounce,
			BatchSize: tuning.Queue.BatchSize,
			Workers:   tuning.Queue.Workers,
		},
		Clock:   clock,
		Logger:  logger,
		Metrics: metrics,
	})

	a := &App{logger: logger}

	var store cache.SnapshotStore
	if cfg.CacheSnapshotDir != "" {
		db, err := cache.OpenBadger(cfg.CacheSnapshotDir)
		if err != nil {
			exec.Close()
			return nil, err
		}
		a.db = db
		store = cache.NewBadgerStore(db)
		logger.Info("cache snapshots enabled", "dir", cfg.CacheSnapshotDir)
	}
	records := cache.New[domain.LocationRecord](cache.Options{
		MaxSize:       cfg.CacheMaxSize,
		MaxAge:        cfg.CacheMaxAge,
		SweepInterval: cfg.CacheSweepInterval,
		Store:         store,
		Clock:         clock,
		Logger:        logger,
		OnRemove: func(_ string, reason cache.RemovalReason) {
			metrics.CacheEvictions.WithLabelValues(string(reason)).Inc()
		},
	})

	var finder domain.TimezoneFinder
	if f, err := tzfinder.New(); err != nil {
		logger.Warn("timezone finder unavailable", "error", err)
	} else {
		finder = f
	}

	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		geocoder = mapbox.NewClient(cfg.MapboxToken, "", exec, logger)
		logger.Info("geocoding via mapbox")
	} else {
		geocoder = nominatim.NewClient(cfg.NominatimURL, cfg.NominatimUserAgent, exec, logger)
		logger.Info("geocoding via nominatim", "url", cfg.NominatimURL)
	}

	providers, err := ipProviders(tuning)
	if err != nil {
		records.Close()
		exec.Close()
		a.closeDB()
		return nil, err
	}

	var strategies []domain.Strategy
	if cfg.DevicePositionSet {
		fix := strategy.Fix{Lat: cfg.DeviceLat, Lon: cfg.DeviceLon}
		strategies = append(strategies, strategy.NewDevice(strategy.FixedPositioner{Fix: fix}, geocoder, finder, logger))
	}
	if len(providers) > 0 {
		strategies = append(strategies, strategy.NewIP(exec, providers, finder, logger))
	}
	strategies = append(strategies, strategy.NewTimezone(localZone(cfg.LocalTimezone)))

	a.Resolver = resolver.New(resolver.Options{
		Strategies:     strategies,
		Geocoder:       geocoder,
		Finder:         finder,
		Validator:      validate.New(tuning.Reliability, clock),
		Cache:          records,
		Upstream:       exec,
		Refresh:        tuning.Refresh,
		Fallback:       tuning.Fallback,
		ResolveTimeout: cfg.ResolveTimeout,
		Clock:          clock,
		Logger:         logger,
		Metrics:        metrics,
	})

	if cfg.KafkaEnabled {
		a.publisher = kafkaadapter.NewWriter(cfg, logger)
		a.Resolver.OnLocationUpdate(a.publisher.OnUpdate)
		logger.Info("publishing location updates", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	a.Server = httpadapter.NewServer(cfg.HTTPAddr, a.Resolver, logger)

	logger.Info("resolver wired",
		"strategies", len(strategies),
		"ip_providers", len(providers),
		"cache_max_size", cfg.CacheMaxSize,
	)
	return a, nil
}

// Close stops the resolver and releases the publisher and snapshot database.
func (a *App) Close() error {
	a.Resolver.Close()

	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka writer: %w", err))
		}
	}
	if err := a.closeDB(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeDB() error {
	if a.db == nil {
		return nil
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	a.db = nil
	return nil
}

func rateLimits(t *config.Tuning) map[string]ratelimit.Limit {
	limits := make(map[string]ratelimit.Limit, len(t.RateLimits))
	for _, l := range t.RateLimits {
		limits[l.Domain] = ratelimit.Limit{Requests: l.Requests, Window: l.Window}
	}
	return limits
}

// ipProviders returns the enabled providers in tuning order with their tuned
// confidence.
func ipProviders(t *config.Tuning) ([]strategy.Provider, error) {
	var providers []strategy.Provider
	for _, pt := range t.Providers {
		if !pt.Enabled {
			continue
		}
		p, ok := strategy.LookupProvider(pt.Name)
		if !ok {
			return nil, fmt.Errorf("unknown ip provider %q", pt.Name)
		}
		if pt.Confidence > 0 {
			p.Confidence = pt.Confidence
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// localZone returns the configured zone, or the host zone when unset.
func localZone(configured string) string {
	if configured != "" {
		return configured
	}
	return time.Local.String()
}
