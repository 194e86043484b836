package domain

import (
	"context"
	"log/slog"
)

// ReverseLookup reverse geocodes coordinates and fills a missing timezone from
// finder. Failures degrade to ok=false and are logged, never returned.
func ReverseLookup(ctx context.Context, lat, lon float64, geocoder Geocoder, finder TimezoneFinder, logger *slog.Logger) (LocationCandidate, bool) {
	if geocoder == nil {
		return LocationCandidate{}, false
	}

	result, err := geocoder.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"lat", lat,
			"lon", lon,
			"error", err,
		)
		return LocationCandidate{}, false
	}
	if result.IsZero() {
		return LocationCandidate{}, false
	}

	// Keep the caller's coordinates; providers snap to the nearest feature.
	result.Lat = lat
	result.Lon = lon
	return WithTimezone(result, finder, logger), true
}

// WithTimezone fills c.Timezone from finder when it is empty and the
// candidate has coordinates.
func WithTimezone(c LocationCandidate, finder TimezoneFinder, logger *slog.Logger) LocationCandidate {
	if c.Timezone != "" || finder == nil || (c.Lat == 0 && c.Lon == 0) {
		return c
	}
	tz, err := finder.Timezone(c.Lat, c.Lon)
	if err != nil {
		logger.Debug("timezone lookup failed",
			"lat", c.Lat,
			"lon", c.Lon,
			"error", err,
		)
		return c
	}
	c.Timezone = tz
	return c
}
