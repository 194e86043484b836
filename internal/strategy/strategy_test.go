package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/location-resolver/internal/domain"
	"github.com/couchcryptid/location-resolver/internal/fetch"
	"github.com/couchcryptid/location-resolver/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubPositioner struct {
	fix Fix
	err error
}

func (p stubPositioner) Position(context.Context) (Fix, error) { return p.fix, p.err }

type stubGeocoder struct {
	reverse domain.LocationCandidate
	err     error
	calls   atomic.Int32
}

func (g *stubGeocoder) ForwardGeocode(context.Context, string) (domain.LocationCandidate, error) {
	return domain.LocationCandidate{}, nil
}

func (g *stubGeocoder) ReverseGeocode(context.Context, float64, float64) (domain.LocationCandidate, error) {
	g.calls.Add(1)
	return g.reverse, g.err
}

type stubFinder struct{ zone string }

func (f stubFinder) Timezone(float64, float64) (string, error) {
	if f.zone == "" {
		return "", errors.New("no zone")
	}
	return f.zone, nil
}

// fakeBatcher answers by URL.
type fakeBatcher map[string]fakeReply

type fakeReply struct {
	body string
	err  error
}

func (b fakeBatcher) Batch(_ context.Context, req fetch.Request) (fetch.Response, error) {
	r, ok := b[req.URL]
	if !ok {
		return fetch.Response{}, errors.New("unexpected url " + req.URL)
	}
	if r.err != nil {
		return fetch.Response{}, r.err
	}
	return fetch.Response{StatusCode: http.StatusOK, Body: []byte(r.body)}, nil
}

func TestDevice_Detect(t *testing.T) {
	geocoder := &stubGeocoder{reverse: domain.LocationCandidate{
		City:     "Boulder",
		State:    "Colorado",
		Country:  "United States",
		Lat:      40.01,
		Lon:      -105.27,
		Provider: "nominatim",
	}}
	d := NewDevice(FixedPositioner{Fix: Fix{Lat: 40.015, Lon: -105.2705, AccuracyMeters: 25}}, geocoder, stubFinder{zone: "America/Denver"}, discardLogger())

	got, ok := d.Detect(context.Background())

	require.True(t, ok)
	want := domain.LocationCandidate{
		City:       "Boulder",
		State:      "Colorado",
		Country:    "United States",
		Lat:        40.015,
		Lon:        -105.2705,
		Timezone:   "America/Denver",
		Accuracy:   domain.AccuracyPrecise,
		Source:     domain.SourceDevice,
		Provider:   "nominatim",
		Confidence: 0.95,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("candidate mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "device", d.Name())
}

func TestDevice_Absent(t *testing.T) {
	found := domain.LocationCandidate{City: "Boulder", Country: "United States"}

	tests := []struct {
		name       string
		positioner Positioner
		geocoder   *stubGeocoder
		wantCalls  int32
	}{
		{"no positioner", nil, &stubGeocoder{reverse: found}, 0},
		{"denied", stubPositioner{err: ErrPositionDenied}, &stubGeocoder{reverse: found}, 0},
		{"out of range", stubPositioner{fix: Fix{Lat: 120}}, &stubGeocoder{reverse: found}, 0},
		{"geocoder error", stubPositioner{fix: Fix{Lat: 1, Lon: 1}}, &stubGeocoder{err: errors.New("boom")}, 1},
		{"nothing found", stubPositioner{fix: Fix{Lat: 1, Lon: 1}}, &stubGeocoder{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDevice(tt.positioner, tt.geocoder, nil, discardLogger())

			_, ok := d.Detect(context.Background())

			assert.False(t, ok)
			assert.Equal(t, tt.wantCalls, tt.geocoder.calls.Load())
		})
	}
}

func TestAccuracyForRadius(t *testing.T) {
	assert.Equal(t, domain.AccuracyPrecise, accuracyForRadius(0))
	assert.Equal(t, domain.AccuracyPrecise, accuracyForRadius(100))
	assert.Equal(t, domain.AccuracyCity, accuracyForRadius(2_500))
	assert.Equal(t, domain.AccuracyRegion, accuracyForRadius(50_000))
	assert.Equal(t, domain.AccuracyCountry, accuracyForRadius(500_000))
}

const (
	ipapiCoBody   = `{"ip":"8.8.8.8","city":"Mountain View","region":"California","country_name":"United States","postal":"94043","latitude":37.42,"longitude":-122.08,"timezone":"America/Los_Angeles"}`
	ipapiComBody  = `{"status":"success","city":"Ashburn","regionName":"Virginia","country":"United States","zip":"20149","lat":39.03,"lon":-77.5,"timezone":"America/New_York"}`
	ipinfoBody    = `{"city":"Ashburn","region":"Virginia","country":"US","loc":"39.0438,-77.4874","postal":"20147","timezone":"America/New_York"}`
	ipwhoisBody   = `{"success":true,"city":"Reston","region":"Virginia","country":"United States","postal":"20190","latitude":38.96,"longitude":-77.36,"timezone":{"id":"America/New_York"}}`
	ipapiCoFailed = `{"error":true,"reason":"RateLimited"}`
)

func TestProviderNormalizers(t *testing.T) {
	tests := []struct {
		provider string
		body     string
		want     domain.LocationCandidate
	}{
		{"ipapi.co", ipapiCoBody, domain.LocationCandidate{City: "Mountain View", State: "California", Country: "United States", Postal: "94043", Lat: 37.42, Lon: -122.08, Timezone: "America/Los_Angeles"}},
		{"ip-api.com", ipapiComBody, domain.LocationCandidate{City: "Ashburn", State: "Virginia", Country: "United States", Postal: "20149", Lat: 39.03, Lon: -77.5, Timezone: "America/New_York"}},
		{"ipinfo.io", ipinfoBody, domain.LocationCandidate{City: "Ashburn", State: "Virginia", Country: "US", Postal: "20147", Lat: 39.0438, Lon: -77.4874, Timezone: "America/New_York"}},
		{"ipwho.is", ipwhoisBody, domain.LocationCandidate{City: "Reston", State: "Virginia", Country: "United States", Postal: "20190", Lat: 38.96, Lon: -77.36, Timezone: "America/New_York"}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, ok := LookupProvider(tt.provider)
			require.True(t, ok)

			got, ok := p.Normalize([]byte(tt.body))

			require.True(t, ok)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("normalized mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProviderNormalizers_RejectFailures(t *testing.T) {
	tests := []struct {
		provider string
		body     string
	}{
		{"ipapi.co", ipapiCoFailed},
		{"ip-api.com", `{"status":"fail","message":"reserved range"}`},
		{"ipinfo.io", `{"ip":"10.0.0.1","bogon":true}`},
		{"ipinfo.io", `{"city":"Nowhere","loc":"garbage"}`},
		{"ipwho.is", `{"success":false,"message":"Invalid IP address"}`},
		{"ipapi.co", `not json`},
		{"ipapi.co", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, ok := LookupProvider(tt.provider)
			require.True(t, ok)

			_, ok = p.Normalize([]byte(tt.body))

			assert.False(t, ok)
		})
	}
}

func TestIP_BestConfidenceWins(t *testing.T) {
	batcher := fakeBatcher{
		"https://ipapi.co/json/":  {body: ipapiCoBody},
		"http://ip-api.com/json/": {body: ipapiComBody},
		"https://ipinfo.io/json":  {body: ipinfoBody},
		"https://ipwho.is/":       {body: ipwhoisBody},
	}
	s := NewIP(batcher, KnownProviders(), nil, discardLogger())

	got, ok := s.Detect(context.Background())

	require.True(t, ok)
	assert.Equal(t, "ipapi.co", got.Provider)
	assert.Equal(t, domain.SourceIP, got.Source)
	assert.Equal(t, domain.AccuracyCity, got.Accuracy)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
	assert.Equal(t, "ip", s.Name())
}

func TestIP_TieGoesToEarlierProvider(t *testing.T) {
	batcher := fakeBatcher{
		"https://ipapi.co/json/":  {err: errors.New("rate limited")},
		"http://ip-api.com/json/": {body: ipapiComBody},
		"https://ipinfo.io/json":  {body: ipinfoBody},
		"https://ipwho.is/":       {body: ipwhoisBody},
	}
	s := NewIP(batcher, KnownProviders(), nil, discardLogger())

	got, ok := s.Detect(context.Background())

	require.True(t, ok)
	assert.Equal(t, "ip-api.com", got.Provider)
}

func TestIP_AllFail(t *testing.T) {
	batcher := fakeBatcher{
		"https://ipapi.co/json/":  {body: ipapiCoFailed},
		"http://ip-api.com/json/": {err: fetch.ErrCircuitOpen},
		"https://ipinfo.io/json":  {err: errors.New("timeout")},
		"https://ipwho.is/":       {body: `{"success":false}`},
	}
	s := NewIP(batcher, KnownProviders(), nil, discardLogger())

	_, ok := s.Detect(context.Background())

	assert.False(t, ok)
}

func TestIP_FillsMissingTimezone(t *testing.T) {
	p, _ := LookupProvider("ip-api.com")
	batcher := fakeBatcher{p.URL: {body: `{"status":"success","city":"Ashburn","country":"United States","lat":39.03,"lon":-77.5}`}}
	s := NewIP(batcher, []Provider{p}, stubFinder{zone: "America/New_York"}, discardLogger())

	got, ok := s.Detect(context.Background())

	require.True(t, ok)
	assert.Equal(t, "America/New_York", got.Timezone)
}

func TestIP_ThroughExecutor(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Write([]byte(ipwhoisBody)) //nolint:errcheck
	}))
	defer srv.Close()

	exec := fetch.NewExecutor(fetch.Options{
		BaseBackoff: time.Millisecond,
		Queue:       fetch.QueueOptions{Debounce: time.Millisecond},
		Logger:      discardLogger(),
		Metrics:     observability.NewMetricsForTesting(),
	})
	defer exec.Close()

	p, _ := LookupProvider("ipwho.is")
	p.URL = srv.URL + "/"
	s := NewIP(exec, []Provider{p}, nil, discardLogger())

	first, ok := s.Detect(context.Background())
	require.True(t, ok)
	assert.Equal(t, "Reston", first.City)

	_, ok = s.Detect(context.Background())
	require.True(t, ok)
	assert.Equal(t, int32(1), calls.Load(), "second detection is served from the response cache")
}

func TestParseLatLon(t *testing.T) {
	lat, lon, ok := parseLatLon("39.0438, -77.4874")
	require.True(t, ok)
	assert.InDelta(t, 39.0438, lat, 1e-9)
	assert.InDelta(t, -77.4874, lon, 1e-9)

	for _, bad := range []string{"", "39.0", "a,b", "1,b"} {
		_, _, ok := parseLatLon(bad)
		assert.False(t, ok, bad)
	}
}

func TestTimezone_Detect(t *testing.T) {
	got, ok := NewTimezone("Europe/Berlin").Detect(context.Background())

	require.True(t, ok)
	assert.Equal(t, "Berlin", got.City)
	assert.Equal(t, "Germany", got.Country)
	assert.Equal(t, "Europe/Berlin", got.Timezone)
	assert.Equal(t, domain.AccuracyRegion, got.Accuracy)
	assert.Equal(t, domain.SourceTimezone, got.Source)
	assert.InDelta(t, 0.3, got.Confidence, 1e-9)
}

func TestTimezone_UnknownZone(t *testing.T) {
	for _, zone := range []string{"", "Local", "UTC", "Mars/Olympus"} {
		_, ok := NewTimezone(zone).Detect(context.Background())
		assert.False(t, ok, zone)
	}
}

func TestTimezone_TableZonesAreValid(t *testing.T) {
	for zone := range zoneCities {
		_, err := time.LoadLocation(zone)
		assert.NoError(t, err, zone)
	}
}
