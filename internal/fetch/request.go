// Package fetch executes outbound HTTP GETs to rate-limited, unreliable
// upstreams. The Executor layers a response cache, per-domain circuit
// breakers and fixed-window rate limits over net/http, retrying transient
// failures with exponential backoff. Requests that exceed a domain's quota
// are parked in the Queue, which drains them in priority order while pacing
// calls so the quota is never exceeded.
package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/location-resolver/internal/breaker"
)

// Priority orders queued requests. Higher values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ErrCircuitOpen is returned when a domain's breaker is rejecting calls.
var ErrCircuitOpen = breaker.ErrOpen

// errInvalidRequest marks requests that can never succeed on retry.
var errInvalidRequest = errors.New("invalid request")

// Request describes one upstream call.
type Request struct {
	URL    string
	Header http.Header

	// CacheKey enables the response cache for this request.
	CacheKey string
	Priority Priority

	// Timeout overrides the executor's per-attempt timeout.
	Timeout time.Duration
}

// Domain returns the request's host name, the unit of rate limiting and
// circuit breaking.
func (r Request) Domain() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", errors.Join(err, errInvalidRequest))
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host: %w", r.URL, errInvalidRequest)
	}
	return u.Hostname(), nil
}

// Response is a successful upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// StatusError is returned for non-2xx upstream replies.
type StatusError struct {
	Domain     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Domain, e.StatusCode, e.Body)
}

// Retryable reports whether another attempt might succeed: server errors,
// request timeouts and throttling are retried; other client errors are not.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
