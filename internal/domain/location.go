package domain

import (
	"context"
	"time"
)

// Source identifies which detection path produced a location.
type Source string

const (
	SourceDevice   Source = "device"
	SourceIP       Source = "ip"
	SourceTimezone Source = "timezone"
	SourceGeocode  Source = "geocode"
	SourceFallback Source = "fallback"
)

// Accuracy labels, finest first.
const (
	AccuracyPrecise = "precise"
	AccuracyCity    = "city"
	AccuracyRegion  = "region"
	AccuracyCountry = "country"
)

// KnownAccuracy reports whether label is one of the recognized accuracy labels.
func KnownAccuracy(label string) bool {
	switch label {
	case AccuracyPrecise, AccuracyCity, AccuracyRegion, AccuracyCountry:
		return true
	}
	return false
}

// LocationCandidate is a single strategy's answer before validation.
type LocationCandidate struct {
	City       string  `json:"city"`
	Country    string  `json:"country"`
	State      string  `json:"state,omitempty"`
	Region     string  `json:"region,omitempty"`
	Postal     string  `json:"postal,omitempty"`
	Address    string  `json:"address,omitempty"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Timezone   string  `json:"timezone"`
	Accuracy   string  `json:"accuracy"`
	Source     Source  `json:"source"`
	Provider   string  `json:"provider,omitempty"`
	Confidence float64 `json:"confidence"` // 0.0–1.0
}

// IsZero reports whether the candidate carries no location at all.
func (c LocationCandidate) IsZero() bool {
	return c.City == "" && c.Country == "" && c.Lat == 0 && c.Lon == 0
}

// LocationRecord is the validated, scored location handed to consumers.
type LocationRecord struct {
	City       string    `json:"city"`
	Country    string    `json:"country"`
	State      string    `json:"state,omitempty"`
	Region     string    `json:"region,omitempty"`
	Postal     string    `json:"postal,omitempty"`
	Address    string    `json:"address,omitempty"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Timezone   string    `json:"timezone"`
	Accuracy   string    `json:"accuracy,omitempty"`
	Quality    float64   `json:"quality"`    // 0–100
	Confidence float64   `json:"confidence"` // 0.0–1.0
	Source     Source    `json:"source"`
	Provider   string    `json:"provider,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewRecord promotes a candidate to a record stamped at now. Quality is left
// at zero for the validator to fill in.
func NewRecord(c LocationCandidate, now time.Time) LocationRecord {
	return LocationRecord{
		City:       c.City,
		Country:    c.Country,
		State:      c.State,
		Region:     c.Region,
		Postal:     c.Postal,
		Address:    c.Address,
		Lat:        c.Lat,
		Lon:        c.Lon,
		Timezone:   c.Timezone,
		Accuracy:   c.Accuracy,
		Confidence: c.Confidence,
		Source:     c.Source,
		Provider:   c.Provider,
		Timestamp:  now,
	}
}

// Strategy is one independent way of finding the current location.
// Implementations report absence with ok=false and never return errors;
// failures are logged at the strategy boundary.
type Strategy interface {
	Name() string
	Detect(ctx context.Context) (candidate LocationCandidate, ok bool)
}

// TimezoneFinder maps coordinates to an IANA timezone name.
type TimezoneFinder interface {
	Timezone(lat, lon float64) (string, error)
}
