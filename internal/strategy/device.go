// Package strategy implements the independent ways the resolver finds the
// current location. Every strategy satisfies domain.Strategy: it reports a
// candidate or absence and never returns errors, logging failures itself.
package strategy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/couchcryptid/location-resolver/internal/domain"
)

const (
	deviceConfidence    = 0.95
	defaultFixTimeout   = 10 * time.Second
	preciseRadiusMeters = 100
	cityRadiusMeters    = 10_000
	regionRadiusMeters  = 100_000
)

// ErrPositionDenied is returned by a Positioner that may not report a fix.
var ErrPositionDenied = errors.New("position denied")

// Fix is a positioning result. AccuracyMeters is the radius of uncertainty;
// zero means unknown.
type Fix struct {
	Lat            float64
	Lon            float64
	AccuracyMeters float64
}

// Positioner obtains a position fix from the device.
type Positioner interface {
	Position(ctx context.Context) (Fix, error)
}

// FixedPositioner always reports the same configured coordinates.
type FixedPositioner struct {
	Fix Fix
}

// Position implements Positioner.
func (p FixedPositioner) Position(context.Context) (Fix, error) {
	return p.Fix, nil
}

// Device resolves a position fix to a place through reverse geocoding.
type Device struct {
	positioner Positioner
	geocoder   domain.Geocoder
	finder     domain.TimezoneFinder
	timeout    time.Duration
	logger     *slog.Logger
}

// NewDevice creates the device strategy. A nil positioner makes Detect
// always report absence.
func NewDevice(positioner Positioner, geocoder domain.Geocoder, finder domain.TimezoneFinder, logger *slog.Logger) *Device {
	return &Device{
		positioner: positioner,
		geocoder:   geocoder,
		finder:     finder,
		timeout:    defaultFixTimeout,
		logger:     logger,
	}
}

// Name implements domain.Strategy.
func (d *Device) Name() string { return string(domain.SourceDevice) }

// Detect implements domain.Strategy.
func (d *Device) Detect(ctx context.Context) (domain.LocationCandidate, bool) {
	if d.positioner == nil {
		return domain.LocationCandidate{}, false
	}

	fixCtx, cancel := context.WithTimeout(ctx, d.timeout)
	fix, err := d.positioner.Position(fixCtx)
	cancel()
	if err != nil {
		d.logger.Debug("device position unavailable", "error", err)
		return domain.LocationCandidate{}, false
	}
	if fix.Lat < -90 || fix.Lat > 90 || fix.Lon < -180 || fix.Lon > 180 {
		d.logger.Warn("device reported invalid position", "lat", fix.Lat, "lon", fix.Lon)
		return domain.LocationCandidate{}, false
	}

	c, ok := domain.ReverseLookup(ctx, fix.Lat, fix.Lon, d.geocoder, d.finder, d.logger)
	if !ok {
		return domain.LocationCandidate{}, false
	}
	c.Source = domain.SourceDevice
	c.Confidence = deviceConfidence
	c.Accuracy = accuracyForRadius(fix.AccuracyMeters)
	return c, true
}

func accuracyForRadius(meters float64) string {
	switch {
	case meters <= preciseRadiusMeters:
		return domain.AccuracyPrecise
	case meters <= cityRadiusMeters:
		return domain.AccuracyCity
	case meters <= regionRadiusMeters:
		return domain.AccuracyRegion
	default:
		return domain.AccuracyCountry
	}
}
