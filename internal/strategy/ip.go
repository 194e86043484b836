package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/location-resolver/internal/domain"
	"github.com/couchcryptid/location-resolver/internal/fetch"
)

// Batcher sends a request through the batch queue.
type Batcher interface {
	Batch(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// NormalizeFunc maps a provider's JSON body to a candidate. It reports false
// when the body holds no usable location.
type NormalizeFunc func(body []byte) (domain.LocationCandidate, bool)

// Provider is one IP geolocation service.
type Provider struct {
	Name       string
	URL        string
	Confidence float64
	Normalize  NormalizeFunc
}

var knownProviders = []Provider{
	{Name: "ipapi.co", URL: "https://ipapi.co/json/", Confidence: 0.7, Normalize: normalizeIPAPICo},
	{Name: "ip-api.com", URL: "http://ip-api.com/json/", Confidence: 0.6, Normalize: normalizeIPAPICom},
	{Name: "ipinfo.io", URL: "https://ipinfo.io/json", Confidence: 0.6, Normalize: normalizeIPInfo},
	{Name: "ipwho.is", URL: "https://ipwho.is/", Confidence: 0.5, Normalize: normalizeIPWhoIs},
}

// KnownProviders returns the built-in providers in preference order.
func KnownProviders() []Provider {
	return append([]Provider(nil), knownProviders...)
}

// LookupProvider returns the built-in provider with the given name.
func LookupProvider(name string) (Provider, bool) {
	for _, p := range knownProviders {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// IP asks every provider concurrently and keeps the most confident answer.
// Ties go to the provider listed first.
type IP struct {
	batcher   Batcher
	providers []Provider
	finder    domain.TimezoneFinder
	logger    *slog.Logger
}

// NewIP creates the IP lookup strategy.
func NewIP(batcher Batcher, providers []Provider, finder domain.TimezoneFinder, logger *slog.Logger) *IP {
	return &IP{
		batcher:   batcher,
		providers: providers,
		finder:    finder,
		logger:    logger,
	}
}

// Name implements domain.Strategy.
func (s *IP) Name() string { return string(domain.SourceIP) }

// Detect implements domain.Strategy.
func (s *IP) Detect(ctx context.Context) (domain.LocationCandidate, bool) {
	type result struct {
		candidate domain.LocationCandidate
		ok        bool
	}
	results := make([]result, len(s.providers))

	var g errgroup.Group
	for i, p := range s.providers {
		g.Go(func() error {
			c, err := s.query(ctx, p)
			if err != nil {
				s.logger.Debug("ip provider failed", "provider", p.Name, "error", err)
				return nil
			}
			results[i] = result{candidate: c, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	var (
		best  domain.LocationCandidate
		found bool
	)
	for _, r := range results {
		if r.ok && (!found || r.candidate.Confidence > best.Confidence) {
			best, found = r.candidate, true
		}
	}
	if !found {
		return domain.LocationCandidate{}, false
	}
	return domain.WithTimezone(best, s.finder, s.logger), true
}

func (s *IP) query(ctx context.Context, p Provider) (domain.LocationCandidate, error) {
	resp, err := s.batcher.Batch(ctx, fetch.Request{
		URL:      p.URL,
		CacheKey: "ip:" + p.Name,
		Priority: fetch.PriorityMedium,
	})
	if err != nil {
		return domain.LocationCandidate{}, err
	}

	c, ok := p.Normalize(resp.Body)
	if !ok {
		return domain.LocationCandidate{}, fmt.Errorf("%s: no location in response", p.Name)
	}
	c.Source = domain.SourceIP
	c.Provider = p.Name
	c.Confidence = p.Confidence
	if c.Accuracy == "" {
		c.Accuracy = domain.AccuracyCity
	}
	return c, nil
}

func normalizeIPAPICo(body []byte) (domain.LocationCandidate, bool) {
	r := gjson.ParseBytes(body)
	if r.Get("error").Bool() {
		return domain.LocationCandidate{}, false
	}
	return located(domain.LocationCandidate{
		City:     r.Get("city").String(),
		State:    r.Get("region").String(),
		Country:  r.Get("country_name").String(),
		Postal:   r.Get("postal").String(),
		Lat:      r.Get("latitude").Float(),
		Lon:      r.Get("longitude").Float(),
		Timezone: r.Get("timezone").String(),
	})
}

func normalizeIPAPICom(body []byte) (domain.LocationCandidate, bool) {
	r := gjson.ParseBytes(body)
	if r.Get("status").String() != "success" {
		return domain.LocationCandidate{}, false
	}
	return located(domain.LocationCandidate{
		City:     r.Get("city").String(),
		State:    r.Get("regionName").String(),
		Country:  r.Get("country").String(),
		Postal:   r.Get("zip").String(),
		Lat:      r.Get("lat").Float(),
		Lon:      r.Get("lon").Float(),
		Timezone: r.Get("timezone").String(),
	})
}

func normalizeIPInfo(body []byte) (domain.LocationCandidate, bool) {
	r := gjson.ParseBytes(body)
	if r.Get("bogon").Bool() {
		return domain.LocationCandidate{}, false
	}
	lat, lon, ok := parseLatLon(r.Get("loc").String())
	if !ok {
		return domain.LocationCandidate{}, false
	}
	return located(domain.LocationCandidate{
		City:     r.Get("city").String(),
		State:    r.Get("region").String(),
		Country:  r.Get("country").String(),
		Postal:   r.Get("postal").String(),
		Lat:      lat,
		Lon:      lon,
		Timezone: r.Get("timezone").String(),
	})
}

func normalizeIPWhoIs(body []byte) (domain.LocationCandidate, bool) {
	r := gjson.ParseBytes(body)
	if !r.Get("success").Bool() {
		return domain.LocationCandidate{}, false
	}
	return located(domain.LocationCandidate{
		City:     r.Get("city").String(),
		State:    r.Get("region").String(),
		Country:  r.Get("country").String(),
		Postal:   r.Get("postal").String(),
		Lat:      r.Get("latitude").Float(),
		Lon:      r.Get("longitude").Float(),
		Timezone: r.Get("timezone.id").String(),
	})
}

// located rejects a normalized body that names neither a city nor coordinates.
func located(c domain.LocationCandidate) (domain.LocationCandidate, bool) {
	if c.City == "" && c.Lat == 0 && c.Lon == 0 {
		return domain.LocationCandidate{}, false
	}
	return c, true
}

// parseLatLon parses ipinfo's "lat,lon" form.
func parseLatLon(s string) (float64, float64, bool) {
	latStr, lonStr, found := strings.Cut(s, ",")
	if !found {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
