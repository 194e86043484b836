// Package validate scores location records against a weighted rule set and
// sanitizes them before they reach the cache or consumers.
//
// Rules and weights:
//
//	coordinates       1.0   lat ∈ [-90, 90], lon ∈ [-180, 180], finite
//	required fields   0.9   city, country, source non-empty
//	timezone          0.7   resolvable IANA zone
//	string lengths    0.5   see maxLengths
//	quality range     0.4   quality ∈ [0, 100]
//	confidence range  0.4   confidence ∈ [0, 1]
//	timestamp         0.3   within the last year, at most 5 minutes ahead
//	accuracy label    0.3   non-blank and known when present
//
// A failing rule with weight ≥ 0.8 is an error and invalidates the record.
// Lighter failures are warnings that only lower the score and confidence.
package validate

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	_ "time/tzdata" // IANA database for hosts without zoneinfo

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/location-resolver/internal/domain"
)

const (
	errorWeight        = 0.8
	maxFutureSkew      = 5 * time.Minute
	maxRecordAge       = 365 * 24 * time.Hour
	completenessBonus  = 0.2
	warningPenalty     = 0.1
	recentBonus        = 5.0
	recentWindow       = time.Hour
	staleAfter         = 24 * time.Hour
	stalePenaltyPerDay = 5.0
	maxStalePenalty    = 20.0
)

var maxLengths = map[string]int{
	"city":     100,
	"state":    100,
	"region":   100,
	"country":  100,
	"postal":   20,
	"address":  200,
	"timezone": 64,
	"provider": 64,
}

// Result is the outcome of validating one record.
type Result struct {
	IsValid    bool     `json:"is_valid"`
	Score      float64  `json:"score"` // 0–100 weighted pass rate
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Confidence float64  `json:"confidence"`
}

type rule struct {
	name   string
	weight float64
	check  func(r domain.LocationRecord, now time.Time) error
}

// Validator is stateless apart from its clock and reliability table.
type Validator struct {
	clock       clockwork.Clock
	reliability map[string]float64
	rules       []rule
}

// New creates a Validator. reliability maps a source name to the multiplier
// applied by QualityScore; sources missing from the map use 1.0.
func New(reliability map[string]float64, clock clockwork.Clock) *Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	v := &Validator{clock: clock, reliability: reliability}
	v.rules = []rule{
		{"coordinates", 1.0, checkCoordinates},
		{"required_fields", 0.9, checkRequired},
		{"timezone", 0.7, checkTimezone},
		{"string_lengths", 0.5, checkLengths},
		{"quality_range", 0.4, checkQuality},
		{"confidence_range", 0.4, checkConfidence},
		{"timestamp", 0.3, checkTimestamp},
		{"accuracy_label", 0.3, checkAccuracy},
	}
	return v
}

// Validate runs every rule against r.
func (v *Validator) Validate(r domain.LocationRecord) Result {
	now := v.clock.Now()

	var total, passed float64
	res := Result{}
	for _, rl := range v.rules {
		total += rl.weight
		err := rl.check(r, now)
		if err == nil {
			passed += rl.weight
			continue
		}
		msg := fmt.Sprintf("%s: %v", rl.name, err)
		if rl.weight >= errorWeight {
			res.Errors = append(res.Errors, msg)
		} else {
			res.Warnings = append(res.Warnings, msg)
		}
	}

	res.IsValid = len(res.Errors) == 0
	res.Score = passed / total * 100
	res.Confidence = clamp(res.Score/100+completeness(r)*completenessBonus-float64(len(res.Warnings))*warningPenalty, 0, 1)
	return res
}

// QualityScore combines the validation score with source reliability and the
// record's age into a 0–100 quality value.
func (v *Validator) QualityScore(r domain.LocationRecord) float64 {
	score := v.Validate(r).Score * v.Reliability(r.Source)

	age := v.clock.Since(r.Timestamp)
	switch {
	case age < recentWindow:
		score += recentBonus
	case age > staleAfter:
		days := (age - staleAfter).Hours() / 24
		score -= math.Min(maxStalePenalty, stalePenaltyPerDay*days)
	}
	return clamp(score, 0, 100)
}

// Reliability returns the multiplier for source.
func (v *Validator) Reliability(source domain.Source) float64 {
	if m, ok := v.reliability[string(source)]; ok {
		return m
	}
	return 1.0
}

func completeness(r domain.LocationRecord) float64 {
	optional := []string{r.State, r.Region, r.Postal, r.Address}
	var present int
	for _, f := range optional {
		if f != "" {
			present++
		}
	}
	return float64(present) / float64(len(optional))
}

func checkCoordinates(r domain.LocationRecord, _ time.Time) error {
	if math.IsNaN(r.Lat) || math.IsNaN(r.Lon) || math.IsInf(r.Lat, 0) || math.IsInf(r.Lon, 0) {
		return errors.New("non-finite coordinates")
	}
	if r.Lat < -90 || r.Lat > 90 {
		return fmt.Errorf("latitude %f out of range", r.Lat)
	}
	if r.Lon < -180 || r.Lon > 180 {
		return fmt.Errorf("longitude %f out of range", r.Lon)
	}
	return nil
}

func checkRequired(r domain.LocationRecord, _ time.Time) error {
	var missing []string
	if strings.TrimSpace(r.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(r.Country) == "" {
		missing = append(missing, "country")
	}
	if r.Source == "" {
		missing = append(missing, "source")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func checkTimezone(r domain.LocationRecord, _ time.Time) error {
	if r.Timezone == "" || r.Timezone == "Local" {
		return errors.New("timezone not set")
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q", r.Timezone)
	}
	return nil
}

func checkLengths(r domain.LocationRecord, _ time.Time) error {
	fields := map[string]string{
		"city":     r.City,
		"state":    r.State,
		"region":   r.Region,
		"country":  r.Country,
		"postal":   r.Postal,
		"address":  r.Address,
		"timezone": r.Timezone,
		"provider": r.Provider,
	}
	for name, value := range fields {
		if n := len([]rune(value)); n > maxLengths[name] {
			return fmt.Errorf("%s exceeds %d characters", name, maxLengths[name])
		}
	}
	return nil
}

func checkQuality(r domain.LocationRecord, _ time.Time) error {
	if math.IsNaN(r.Quality) || r.Quality < 0 || r.Quality > 100 {
		return fmt.Errorf("quality %f out of range", r.Quality)
	}
	return nil
}

func checkConfidence(r domain.LocationRecord, _ time.Time) error {
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %f out of range", r.Confidence)
	}
	return nil
}

func checkTimestamp(r domain.LocationRecord, now time.Time) error {
	if r.Timestamp.After(now.Add(maxFutureSkew)) {
		return errors.New("timestamp in the future")
	}
	if now.Sub(r.Timestamp) > maxRecordAge {
		return errors.New("timestamp older than a year")
	}
	return nil
}

func checkAccuracy(r domain.LocationRecord, _ time.Time) error {
	if r.Accuracy == "" {
		return nil
	}
	if strings.TrimSpace(r.Accuracy) == "" {
		return errors.New("blank accuracy label")
	}
	if !domain.KnownAccuracy(r.Accuracy) {
		return fmt.Errorf("unknown accuracy label %q", r.Accuracy)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}
