package validate

import (
	"math"
	"strings"
	"unicode"

	"github.com/couchcryptid/location-resolver/internal/domain"
)

const unsafeChars = "<>\"'&`"

// Sanitize returns a copy of r that is safe to store and render: strings are
// trimmed, stripped of control and markup characters and whitespace-collapsed;
// numbers are clamped into range; an unreasonable timestamp becomes now.
func (v *Validator) Sanitize(r domain.LocationRecord) domain.LocationRecord {
	r.City = sanitizeString(r.City, maxLengths["city"])
	r.State = sanitizeString(r.State, maxLengths["state"])
	r.Region = sanitizeString(r.Region, maxLengths["region"])
	r.Country = sanitizeString(r.Country, maxLengths["country"])
	r.Postal = sanitizeString(r.Postal, maxLengths["postal"])
	r.Address = sanitizeString(r.Address, maxLengths["address"])
	r.Timezone = strings.TrimSpace(r.Timezone)
	r.Accuracy = strings.ToLower(strings.TrimSpace(r.Accuracy))
	r.Provider = sanitizeString(r.Provider, maxLengths["provider"])

	r.Lat = clampFinite(r.Lat, -90, 90)
	r.Lon = clampFinite(r.Lon, -180, 180)
	r.Quality = clampFinite(r.Quality, 0, 100)
	r.Confidence = clampFinite(r.Confidence, 0, 1)

	now := v.clock.Now()
	if r.Timestamp.IsZero() || checkTimestamp(r, now) != nil {
		r.Timestamp = now
	}
	return r
}

func sanitizeString(s string, limit int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		if strings.ContainsRune(unsafeChars, r) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")

	if runes := []rune(s); len(runes) > limit {
		s = strings.TrimSpace(string(runes[:limit]))
	}
	return s
}

// clampFinite clamps v into [lo, hi]; NaN becomes lo.
func clampFinite(v, lo, hi float64) float64 {
	if math.IsInf(v, 1) {
		return hi
	}
	if math.IsInf(v, -1) {
		return lo
	}
	return clamp(v, lo, hi)
}
