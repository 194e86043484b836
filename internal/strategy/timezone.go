package strategy

import (
	"context"

	"github.com/couchcryptid/location-resolver/internal/domain"
)

const timezoneConfidence = 0.3

type zoneCity struct {
	city, state, country string
	lat, lon             float64
}

// zoneCities maps IANA zones to the most populous city they are named after.
var zoneCities = map[string]zoneCity{
	"America/New_York":    {"New York", "New York", "United States", 40.7128, -74.0060},
	"America/Chicago":     {"Chicago", "Illinois", "United States", 41.8781, -87.6298},
	"America/Denver":      {"Denver", "Colorado", "United States", 39.7392, -104.9903},
	"America/Phoenix":     {"Phoenix", "Arizona", "United States", 33.4484, -112.0740},
	"America/Los_Angeles": {"Los Angeles", "California", "United States", 34.0522, -118.2437},
	"America/Anchorage":   {"Anchorage", "Alaska", "United States", 61.2181, -149.9003},
	"Pacific/Honolulu":    {"Honolulu", "Hawaii", "United States", 21.3069, -157.8583},
	"America/Toronto":     {"Toronto", "Ontario", "Canada", 43.6532, -79.3832},
	"America/Vancouver":   {"Vancouver", "British Columbia", "Canada", 49.2827, -123.1207},
	"America/Mexico_City": {"Mexico City", "", "Mexico", 19.4326, -99.1332},
	"America/Sao_Paulo":   {"São Paulo", "São Paulo", "Brazil", -23.5505, -46.6333},
	"Europe/London":       {"London", "England", "United Kingdom", 51.5074, -0.1278},
	"Europe/Dublin":       {"Dublin", "", "Ireland", 53.3498, -6.2603},
	"Europe/Paris":        {"Paris", "Île-de-France", "France", 48.8566, 2.3522},
	"Europe/Berlin":       {"Berlin", "Berlin", "Germany", 52.5200, 13.4050},
	"Europe/Madrid":       {"Madrid", "Madrid", "Spain", 40.4168, -3.7038},
	"Europe/Rome":         {"Rome", "Lazio", "Italy", 41.9028, 12.4964},
	"Europe/Amsterdam":    {"Amsterdam", "North Holland", "Netherlands", 52.3676, 4.9041},
	"Europe/Stockholm":    {"Stockholm", "", "Sweden", 59.3293, 18.0686},
	"Europe/Moscow":       {"Moscow", "", "Russia", 55.7558, 37.6173},
	"Africa/Cairo":        {"Cairo", "", "Egypt", 30.0444, 31.2357},
	"Africa/Johannesburg": {"Johannesburg", "Gauteng", "South Africa", -26.2041, 28.0473},
	"Africa/Lagos":        {"Lagos", "Lagos", "Nigeria", 6.5244, 3.3792},
	"Asia/Dubai":          {"Dubai", "", "United Arab Emirates", 25.2048, 55.2708},
	"Asia/Kolkata":        {"Kolkata", "West Bengal", "India", 22.5726, 88.3639},
	"Asia/Shanghai":       {"Shanghai", "", "China", 31.2304, 121.4737},
	"Asia/Hong_Kong":      {"Hong Kong", "", "Hong Kong", 22.3193, 114.1694},
	"Asia/Singapore":      {"Singapore", "", "Singapore", 1.3521, 103.8198},
	"Asia/Tokyo":          {"Tokyo", "Tokyo", "Japan", 35.6762, 139.6503},
	"Asia/Seoul":          {"Seoul", "", "South Korea", 37.5665, 126.9780},
	"Australia/Sydney":    {"Sydney", "New South Wales", "Australia", -33.8688, 151.2093},
	"Australia/Melbourne": {"Melbourne", "Victoria", "Australia", -37.8136, 144.9631},
	"Pacific/Auckland":    {"Auckland", "", "New Zealand", -36.8485, 174.7633},
}

// Timezone guesses the location from the local timezone name alone.
type Timezone struct {
	zone string
}

// NewTimezone creates the heuristic for the given IANA zone. Empty and
// "Local" zones carry no location.
func NewTimezone(zone string) *Timezone {
	return &Timezone{zone: zone}
}

// Name implements domain.Strategy.
func (t *Timezone) Name() string { return string(domain.SourceTimezone) }

// Detect implements domain.Strategy. It never touches the network.
func (t *Timezone) Detect(context.Context) (domain.LocationCandidate, bool) {
	zc, ok := zoneCities[t.zone]
	if !ok {
		return domain.LocationCandidate{}, false
	}
	return domain.LocationCandidate{
		City:       zc.city,
		State:      zc.state,
		Country:    zc.country,
		Lat:        zc.lat,
		Lon:        zc.lon,
		Timezone:   t.zone,
		Accuracy:   domain.AccuracyRegion,
		Source:     domain.SourceTimezone,
		Confidence: timezoneConfidence,
	}, true
}
