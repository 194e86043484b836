package mapbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/couchcryptid/location-resolver/internal/domain"
	"github.com/couchcryptid/location-resolver/internal/fetch"
)

// DefaultBaseURL is the Mapbox Geocoding v5 places endpoint.
const DefaultBaseURL = "https://api.mapbox.com/geocoding/v5/mapbox.places"

// ProviderName is recorded on every candidate this client produces.
const ProviderName = "mapbox"

// Executor performs upstream requests.
type Executor interface {
	Execute(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// Client implements domain.Geocoder using the Mapbox Geocoding API.
type Client struct {
	token   string
	exec    Executor
	baseURL string
	logger  *slog.Logger
}

// NewClient creates a Mapbox geocoding client. An empty baseURL uses DefaultBaseURL.
func NewClient(token, baseURL string, exec Executor, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		token:   token,
		exec:    exec,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// ForwardGeocode converts a free-form place query to a location.
func (c *Client) ForwardGeocode(ctx context.Context, query string) (domain.LocationCandidate, error) {
	u := fmt.Sprintf("%s/%s.json", c.baseURL, url.PathEscape(query))
	params := url.Values{
		"access_token": {c.token},
		"limit":        {"1"},
	}
	key := "mapbox:forward:" + strings.ToLower(strings.TrimSpace(query))

	return c.doRequest(ctx, u+"?"+params.Encode(), key, "forward")
}

// ReverseGeocode converts coordinates to place details.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (domain.LocationCandidate, error) {
	// Mapbox uses lon,lat order.
	coord := fmt.Sprintf("%.6f,%.6f", lon, lat)
	u := fmt.Sprintf("%s/%s.json", c.baseURL, coord)
	params := url.Values{
		"access_token": {c.token},
		"limit":        {"1"},
	}
	key := fmt.Sprintf("mapbox:reverse:%.4f,%.4f", lat, lon)

	return c.doRequest(ctx, u+"?"+params.Encode(), key, "reverse")
}

func (c *Client) doRequest(ctx context.Context, fullURL, cacheKey, kind string) (domain.LocationCandidate, error) {
	resp, err := c.exec.Execute(ctx, fetch.Request{
		URL:      fullURL,
		CacheKey: cacheKey,
		Priority: fetch.PriorityHigh,
	})
	if err != nil {
		return domain.LocationCandidate{}, fmt.Errorf("mapbox %s geocode: %w", kind, err)
	}

	var mapboxResp response
	if err := json.Unmarshal(resp.Body, &mapboxResp); err != nil {
		return domain.LocationCandidate{}, fmt.Errorf("decode mapbox response: %w", err)
	}

	if len(mapboxResp.Features) == 0 {
		c.logger.Debug("mapbox returned no features", "kind", kind)
		return domain.LocationCandidate{}, nil
	}
	return toCandidate(mapboxResp.Features[0]), nil
}

func toCandidate(f feature) domain.LocationCandidate {
	result := domain.LocationCandidate{
		Accuracy:   accuracyFor(f.PlaceType),
		Source:     domain.SourceGeocode,
		Provider:   ProviderName,
		Confidence: f.Relevance,
	}
	if len(f.Center) == 2 {
		result.Lon = f.Center[0]
		result.Lat = f.Center[1]
	}

	switch {
	case slices.Contains(f.PlaceType, "place"), slices.Contains(f.PlaceType, "locality"):
		result.City = f.Text
	case slices.Contains(f.PlaceType, "region"):
		result.State = f.Text
	case slices.Contains(f.PlaceType, "country"):
		result.Country = f.Text
	case slices.Contains(f.PlaceType, "postcode"):
		result.Postal = f.Text
	default:
		result.Address = f.PlaceName
	}

	for _, item := range f.Context {
		layer, _, _ := strings.Cut(item.ID, ".")
		switch layer {
		case "place":
			setIfEmpty(&result.City, item.Text)
		case "locality", "district":
			setIfEmpty(&result.Region, item.Text)
		case "region":
			setIfEmpty(&result.State, item.Text)
		case "country":
			setIfEmpty(&result.Country, item.Text)
		case "postcode":
			setIfEmpty(&result.Postal, item.Text)
		}
	}
	return result
}

func accuracyFor(placeTypes []string) string {
	for _, t := range placeTypes {
		switch t {
		case "address", "poi":
			return domain.AccuracyPrecise
		case "place", "locality", "neighborhood", "postcode":
			return domain.AccuracyCity
		case "district", "region":
			return domain.AccuracyRegion
		case "country":
			return domain.AccuracyCountry
		}
	}
	return domain.AccuracyCity
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Mapbox API response types.

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	Center    []float64     `json:"center"` // [lon, lat]
	PlaceName string        `json:"place_name"`
	PlaceType []string      `json:"place_type"`
	Text      string        `json:"text"`
	Relevance float64       `json:"relevance"`
	Context   []contextItem `json:"context"`
}

type contextItem struct {
	ID   string `json:"id"` // "<layer>.<id>"
	Text string `json:"text"`
}
