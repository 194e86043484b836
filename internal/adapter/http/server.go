package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/location-resolver/internal/cache"
	"github.com/couchcryptid/location-resolver/internal/domain"
	"github.com/couchcryptid/location-resolver/internal/resolver"
)

// Locator is the resolver surface served over HTTP.
type Locator interface {
	CheckReadiness(ctx context.Context) error
	DetectLocation(ctx context.Context, force bool) (domain.LocationRecord, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) (*domain.LocationRecord, error)
	GeocodeLocation(ctx context.Context, query string) (*domain.LocationRecord, error)
	ClearCache()
	CacheStats() cache.Stats
}

// Server exposes health, readiness, metrics, and the location API.
type Server struct {
	httpServer *http.Server
	locator    Locator
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics, and the
// /v1/location routes.
func NewServer(addr string, locator Locator, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		locator: locator,
		logger:  logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(locator))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/location", s.handleCurrent)
	mux.HandleFunc("GET /v1/location/reverse", s.handleReverse)
	mux.HandleFunc("GET /v1/location/search", s.handleSearch)
	mux.HandleFunc("GET /v1/location/stats", s.handleStats)
	mux.HandleFunc("DELETE /v1/location/cache", s.handleClearCache)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "refresh must be a boolean")
			return
		}
		force = b
	}

	rec, err := s.locator.DetectLocation(r.Context(), force)
	if err != nil {
		s.logger.Debug("detection abandoned", "error", err)
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, "lat and lon must be numbers")
		return
	}

	rec, err := s.locator.ReverseGeocode(r.Context(), lat, lon)
	s.writeLookup(w, rec, err)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	rec, err := s.locator.GeocodeLocation(r.Context(), r.URL.Query().Get("q"))
	s.writeLookup(w, rec, err)
}

func (s *Server) writeLookup(w http.ResponseWriter, rec *domain.LocationRecord, err error) {
	switch {
	case errors.Is(err, resolver.ErrInvalidCoordinates), errors.Is(err, resolver.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case rec == nil:
		writeError(w, http.StatusNotFound, "location not found")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.locator.CacheStats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	s.locator.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}
