package resolver

import (
	"context"
	"errors"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/couchcryptid/location-resolver/internal/cache"
	"github.com/couchcryptid/location-resolver/internal/domain"
)

const maxQueryLength = 200

// Misuse errors, returned before any network call.
var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrInvalidQuery       = errors.New("invalid query")
)

// ReverseGeocode resolves coordinates to a record. A nil record with a nil
// error means nothing was found or the lookup failed.
func (r *Resolver) ReverseGeocode(ctx context.Context, lat, lon float64) (*domain.LocationRecord, error) {
	if !validCoordinates(lat, lon) {
		return nil, ErrInvalidCoordinates
	}

	key := coordsKey(lat, lon)
	if rec, ok := r.cache.Get(key); ok {
		return &rec, nil
	}

	c, ok := domain.ReverseLookup(ctx, lat, lon, r.geocoder, r.finder, r.logger)
	if !ok {
		return nil, ctx.Err()
	}
	if c.Source == "" {
		c.Source = domain.SourceGeocode
	}

	rec, ok := r.finalize(c)
	if !ok {
		return nil, nil
	}
	r.cacheLookup(key, rec)
	return &rec, nil
}

// GeocodeLocation resolves a free-form place query to a record. A nil record
// with a nil error means nothing was found or the lookup failed.
func (r *Resolver) GeocodeLocation(ctx context.Context, query string) (*domain.LocationRecord, error) {
	query = strings.TrimSpace(query)
	if err := validateQuery(query); err != nil {
		return nil, err
	}

	key := "location:query:" + strings.ToLower(query)
	if rec, ok := r.cache.Get(key); ok {
		return &rec, nil
	}
	if r.geocoder == nil {
		return nil, nil
	}

	c, err := r.geocoder.ForwardGeocode(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("forward geocoding failed", "query", query, "error", err)
		return nil, nil
	}
	if c.IsZero() {
		return nil, nil
	}
	if c.Source == "" {
		c.Source = domain.SourceGeocode
	}
	c = domain.WithTimezone(c, r.finder, r.logger)

	rec, ok := r.finalize(c)
	if !ok {
		return nil, nil
	}
	r.cacheLookup(key, rec)
	r.cacheLookup(coordsKey(rec.Lat, rec.Lon), rec)
	return &rec, nil
}

func (r *Resolver) cacheLookup(key string, rec domain.LocationRecord) {
	r.cache.Set(key, rec, cache.SetOptions{
		Quality: rec.Quality,
		Source:  string(rec.Source),
	})
}

func validCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func validateQuery(q string) error {
	if q == "" {
		return ErrInvalidQuery
	}
	if utf8.RuneCountInString(q) > maxQueryLength {
		return ErrInvalidQuery
	}
	for _, r := range q {
		if unicode.IsControl(r) {
			return ErrInvalidQuery
		}
	}
	return nil
}
