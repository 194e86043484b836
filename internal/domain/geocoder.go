package domain

import "context"

// Geocoder converts between place names and coordinates.
// A zero candidate with a nil error means the provider found nothing.
type Geocoder interface {
	// ForwardGeocode converts a free-form place query to a location.
	ForwardGeocode(ctx context.Context, query string) (LocationCandidate, error)

	// ReverseGeocode converts coordinates to place details.
	ReverseGeocode(ctx context.Context, lat, lon float64) (LocationCandidate, error)
}
