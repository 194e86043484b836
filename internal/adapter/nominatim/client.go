// Package nominatim implements domain.Geocoder against an OpenStreetMap
// Nominatim server. The public server allows one request per second and
// requires an identifying User-Agent, so every call goes through the shared
// request executor.
package nominatim

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/couchcryptid/location-resolver/internal/domain"
	"github.com/couchcryptid/location-resolver/internal/fetch"
)

// DefaultBaseURL is the public OpenStreetMap Nominatim server.
const DefaultBaseURL = "https://nominatim.openstreetmap.org"

// ProviderName is recorded on every candidate this client produces.
const ProviderName = "nominatim"

const defaultConfidence = 0.8

// Executor performs upstream requests.
type Executor interface {
	Execute(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// Client is a Nominatim geocoder.
type Client struct {
	baseURL   string
	userAgent string
	exec      Executor
	logger    *slog.Logger
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, userAgent string, exec Executor, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		exec:      exec,
		logger:    logger,
	}
}

// ForwardGeocode searches for the best match for query.
func (c *Client) ForwardGeocode(ctx context.Context, query string) (domain.LocationCandidate, error) {
	params := url.Values{
		"q":              {query},
		"format":         {"jsonv2"},
		"addressdetails": {"1"},
		"limit":          {"1"},
	}
	key := "nominatim:search:" + strings.ToLower(strings.TrimSpace(query))

	body, err := c.get(ctx, "/search?"+params.Encode(), key)
	if err != nil {
		return domain.LocationCandidate{}, err
	}

	var places []place
	if err := json.Unmarshal(body, &places); err != nil {
		return domain.LocationCandidate{}, fmt.Errorf("decode nominatim search: %w", err)
	}
	if len(places) == 0 {
		c.logger.Debug("nominatim search found nothing", "query", query)
		return domain.LocationCandidate{}, nil
	}
	return places[0].candidate(), nil
}

// ReverseGeocode looks up the place at lat, lon.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (domain.LocationCandidate, error) {
	params := url.Values{
		"lat":            {strconv.FormatFloat(lat, 'f', 6, 64)},
		"lon":            {strconv.FormatFloat(lon, 'f', 6, 64)},
		"format":         {"jsonv2"},
		"addressdetails": {"1"},
	}
	key := fmt.Sprintf("nominatim:reverse:%.4f,%.4f", lat, lon)

	body, err := c.get(ctx, "/reverse?"+params.Encode(), key)
	if err != nil {
		return domain.LocationCandidate{}, err
	}

	var p place
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.LocationCandidate{}, fmt.Errorf("decode nominatim reverse: %w", err)
	}
	if p.Error != "" {
		c.logger.Debug("nominatim reverse found nothing", "lat", lat, "lon", lon, "reason", p.Error)
		return domain.LocationCandidate{}, nil
	}
	return p.candidate(), nil
}

func (c *Client) get(ctx context.Context, path, cacheKey string) ([]byte, error) {
	header := http.Header{}
	if c.userAgent != "" {
		header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.exec.Execute(ctx, fetch.Request{
		URL:      c.baseURL + path,
		Header:   header,
		CacheKey: cacheKey,
		Priority: fetch.PriorityHigh,
	})
	if err != nil {
		return nil, fmt.Errorf("nominatim request: %w", err)
	}
	return resp.Body, nil
}

type place struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	PlaceRank   int     `json:"place_rank"`
	Importance  float64 `json:"importance"`
	Address     address `json:"address"`
	Error       string  `json:"error"`
}

type address struct {
	HouseNumber string `json:"house_number"`
	Road        string `json:"road"`
	Suburb      string `json:"suburb"`
	City        string `json:"city"`
	Town        string `json:"town"`
	Village     string `json:"village"`
	Hamlet      string `json:"hamlet"`
	County      string `json:"county"`
	State       string `json:"state"`
	Postcode    string `json:"postcode"`
	Country     string `json:"country"`
}

func (p place) candidate() domain.LocationCandidate {
	lat, _ := strconv.ParseFloat(p.Lat, 64)
	lon, _ := strconv.ParseFloat(p.Lon, 64)

	a := p.Address
	c := domain.LocationCandidate{
		City:       firstNonEmpty(a.City, a.Town, a.Village, a.Hamlet),
		State:      a.State,
		Region:     a.County,
		Country:    a.Country,
		Postal:     a.Postcode,
		Lat:        lat,
		Lon:        lon,
		Accuracy:   accuracyForRank(p.PlaceRank),
		Source:     domain.SourceGeocode,
		Provider:   ProviderName,
		Confidence: defaultConfidence,
	}
	if a.Road != "" {
		c.Address = strings.TrimSpace(a.HouseNumber + " " + a.Road)
	}
	return c
}

// accuracyForRank maps Nominatim's place_rank (4 country .. 30 building).
func accuracyForRank(rank int) string {
	switch {
	case rank >= 26:
		return domain.AccuracyPrecise
	case rank >= 13:
		return domain.AccuracyCity
	case rank >= 5:
		return domain.AccuracyRegion
	case rank > 0:
		return domain.AccuracyCountry
	default:
		return domain.AccuracyCity
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
