package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Tuning holds hand-tuned resolver constants. Defaults come from
// DefaultTuning; a YAML file named by TUNING_FILE overrides any subset.
type Tuning struct {
	RateLimits         []DomainLimit      `mapstructure:"rate_limits"`
	ResponseTTLs       []DomainTTL        `mapstructure:"response_ttls"`
	DefaultResponseTTL time.Duration      `mapstructure:"default_response_ttl"`
	Reliability        map[string]float64 `mapstructure:"reliability"`
	Providers          []ProviderTuning   `mapstructure:"providers"`
	Refresh            RefreshTuning      `mapstructure:"refresh"`
	Breaker            BreakerTuning      `mapstructure:"breaker"`
	Queue              QueueTuning        `mapstructure:"queue"`
	Fallback           FallbackLocation   `mapstructure:"fallback"`
}

// DomainLimit is a fixed-window quota for one upstream domain.
type DomainLimit struct {
	Domain   string        `mapstructure:"domain"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// DomainTTL is how long a successful response from one domain is reused.
type DomainTTL struct {
	Domain string        `mapstructure:"domain"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// ProviderTuning enables an IP geolocation provider and sets its confidence.
type ProviderTuning struct {
	Name       string  `mapstructure:"name"`
	Confidence float64 `mapstructure:"confidence"`
	Enabled    bool    `mapstructure:"enabled"`
}

// RefreshTuning sets background refresh intervals by record quality tier.
type RefreshTuning struct {
	High       time.Duration `mapstructure:"high"`
	Medium     time.Duration `mapstructure:"medium"`
	Low        time.Duration `mapstructure:"low"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	RetryBase  time.Duration `mapstructure:"retry_base"`
}

// BreakerTuning configures the per-domain circuit breakers.
type BreakerTuning struct {
	Threshold    uint32        `mapstructure:"threshold"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// QueueTuning configures the batch queue.
type QueueTuning struct {
	Debounce  time.Duration `mapstructure:"debounce"`
	BatchSize int           `mapstructure:"batch_size"`
	Workers   int           `mapstructure:"workers"`
}

// FallbackLocation is served when every detection strategy comes back empty.
type FallbackLocation struct {
	City     string        `mapstructure:"city"`
	State    string        `mapstructure:"state"`
	Country  string        `mapstructure:"country"`
	Lat      float64       `mapstructure:"lat"`
	Lon      float64       `mapstructure:"lon"`
	Timezone string        `mapstructure:"timezone"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DefaultTuning returns the built-in constants.
func DefaultTuning() *Tuning {
	return &Tuning{
		RateLimits: []DomainLimit{
			{Domain: "ipapi.co", Requests: 30, Window: time.Minute},
			{Domain: "ip-api.com", Requests: 45, Window: time.Minute},
			{Domain: "ipinfo.io", Requests: 50, Window: time.Minute},
			{Domain: "ipwho.is", Requests: 30, Window: time.Minute},
			{Domain: "nominatim.openstreetmap.org", Requests: 1, Window: time.Second},
		},
		ResponseTTLs: []DomainTTL{
			{Domain: "ipapi.co", TTL: time.Hour},
			{Domain: "ip-api.com", TTL: time.Hour},
			{Domain: "ipinfo.io", TTL: time.Hour},
			{Domain: "ipwho.is", TTL: time.Hour},
			{Domain: "nominatim.openstreetmap.org", TTL: 24 * time.Hour},
			{Domain: "api.mapbox.com", TTL: 24 * time.Hour},
		},
		DefaultResponseTTL: 10 * time.Minute,
		Reliability: map[string]float64{
			"device":   1.0,
			"geocode":  0.9,
			"ip":       0.8,
			"timezone": 0.6,
			"fallback": 0.3,
		},
		Providers: []ProviderTuning{
			{Name: "ipapi.co", Confidence: 0.7, Enabled: true},
			{Name: "ip-api.com", Confidence: 0.6, Enabled: true},
			{Name: "ipinfo.io", Confidence: 0.6, Enabled: true},
			{Name: "ipwho.is", Confidence: 0.5, Enabled: true},
		},
		Refresh: RefreshTuning{
			High:       time.Hour,
			Medium:     30 * time.Minute,
			Low:        15 * time.Minute,
			StaleAfter: 10 * time.Minute,
			RetryBase:  time.Minute,
		},
		Breaker: BreakerTuning{
			Threshold:    5,
			ResetTimeout: 30 * time.Second,
		},
		Queue: QueueTuning{
			Debounce:  50 * time.Millisecond,
			BatchSize: 5,
			Workers:   8,
		},
		Fallback: FallbackLocation{
			City:     "New York",
			State:    "New York",
			Country:  "United States",
			Lat:      40.7128,
			Lon:      -74.0060,
			Timezone: "America/New_York",
			TTL:      5 * time.Minute,
		},
	}
}

// LoadTuning returns DefaultTuning overlaid with the YAML file at path.
// An empty path returns the defaults.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tuning file: %w", err)
	}
	if err := v.Unmarshal(t); err != nil {
		return nil, fmt.Errorf("decode tuning file: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tuning) validate() error {
	if t.Refresh.High <= 0 || t.Refresh.Medium <= 0 || t.Refresh.Low <= 0 {
		return errors.New("tuning: refresh intervals must be positive")
	}
	if t.Queue.BatchSize <= 0 {
		return errors.New("tuning: queue.batch_size must be positive")
	}
	for _, l := range t.RateLimits {
		if l.Domain == "" || l.Requests <= 0 || l.Window <= 0 {
			return fmt.Errorf("tuning: invalid rate limit for %q", l.Domain)
		}
	}
	for source, m := range t.Reliability {
		if m < 0 || m > 1.5 {
			return fmt.Errorf("tuning: reliability for %q out of range", source)
		}
	}
	return nil
}

// ResponseTTL returns the response cache TTL for domain.
func (t *Tuning) ResponseTTL(domain string) time.Duration {
	for _, d := range t.ResponseTTLs {
		if d.Domain == domain {
			return d.TTL
		}
	}
	return t.DefaultResponseTTL
}

// Provider returns the tuning for the named IP provider.
func (t *Tuning) Provider(name string) (ProviderTuning, bool) {
	for _, p := range t.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderTuning{}, false
}
