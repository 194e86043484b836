package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"

	"github.com/couchcryptid/location-resolver/internal/breaker"
	"github.com/couchcryptid/location-resolver/internal/observability"
	"github.com/couchcryptid/location-resolver/internal/ratelimit"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultTimeout     = 8 * time.Second
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 10 * time.Second
	DefaultResponseTTL = 10 * time.Minute
	maxBodyBytes       = 1 << 20
)

// errCallerAborted marks an outcome where the caller's context ended before
// the upstream misbehaved.
var errCallerAborted = errors.New("caller aborted")

// Options configures an Executor.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration

	// Retries is the number of additional attempts after the first.
	Retries     int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// ResponseTTL returns the cache TTL for successful responses from a domain.
	ResponseTTL func(domain string) time.Duration

	Limiter  *ratelimit.Limiter
	Breakers *breaker.Registry
	Queue    QueueOptions

	Clock  clockwork.Clock
	Logger *slog.Logger

	// Metrics is required.
	Metrics *observability.Metrics
}

// Executor performs upstream calls. It is safe for concurrent use.
type Executor struct {
	httpClient  *http.Client
	timeout     time.Duration
	retries     int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	responseTTL func(string) time.Duration

	limiter   *ratelimit.Limiter
	breakers  *breaker.Registry
	responses *gocache.Cache
	queue     *Queue

	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewExecutor creates an Executor and its batch queue.
func NewExecutor(opts Options) *Executor {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.ResponseTTL == nil {
		opts.ResponseTTL = func(string) time.Duration { return DefaultResponseTTL }
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(nil, opts.Clock)
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry(breaker.Options{Logger: opts.Logger, IsSuccessful: CountsAsSuccess})
	}

	e := &Executor{
		httpClient:  opts.HTTPClient,
		timeout:     opts.Timeout,
		retries:     opts.Retries,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		responseTTL: opts.ResponseTTL,
		limiter:     opts.Limiter,
		breakers:    opts.Breakers,
		responses:   gocache.New(DefaultResponseTTL, 5*time.Minute),
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	e.queue = NewQueue(opts.Queue, opts.Limiter, e.do, opts.Clock, opts.Logger, opts.Metrics)
	return e
}

// Execute serves req from the response cache when possible, fails fast when
// the domain's breaker is open, parks the request in the queue when the
// domain is over quota, and otherwise calls the upstream directly.
func (e *Executor) Execute(ctx context.Context, req Request) (Response, error) {
	domain, err := req.Domain()
	if err != nil {
		return Response{}, err
	}
	if resp, ok := e.cached(req); ok {
		return resp, nil
	}
	if e.breakers.IsOpen(domain) {
		e.metrics.UpstreamRequests.WithLabelValues(domain, "circuit_open").Inc()
		return Response{}, fmt.Errorf("%s: %w", domain, ErrCircuitOpen)
	}
	if !e.limiter.TryConsume(domain) {
		e.logger.Debug("rate limited, queueing request", "domain", domain, "priority", req.Priority.String())
		return e.queue.Enqueue(ctx, req)
	}
	return e.do(ctx, req)
}

// Batch is Execute without the direct path: after the cache and breaker
// checks the request always goes through the queue.
func (e *Executor) Batch(ctx context.Context, req Request) (Response, error) {
	domain, err := req.Domain()
	if err != nil {
		return Response{}, err
	}
	if resp, ok := e.cached(req); ok {
		return resp, nil
	}
	if e.breakers.IsOpen(domain) {
		e.metrics.UpstreamRequests.WithLabelValues(domain, "circuit_open").Inc()
		return Response{}, fmt.Errorf("%s: %w", domain, ErrCircuitOpen)
	}
	return e.queue.Enqueue(ctx, req)
}

// ClearCache drops every cached response.
func (e *Executor) ClearCache() {
	e.responses.Flush()
}

// Close stops the queue, failing requests still waiting in it.
func (e *Executor) Close() {
	e.queue.Close()
}

func (e *Executor) cached(req Request) (Response, bool) {
	if req.CacheKey == "" {
		return Response{}, false
	}
	v, ok := e.responses.Get(req.CacheKey)
	if !ok {
		e.metrics.ResponseCache.WithLabelValues("miss").Inc()
		return Response{}, false
	}
	e.metrics.ResponseCache.WithLabelValues("hit").Inc()
	resp := v.(Response)
	resp.FromCache = true
	return resp, true
}

// do runs one logical call with retries under the domain's breaker. The
// caller has already consumed the first attempt's rate-limit slot; every
// retry waits for its own.
func (e *Executor) do(ctx context.Context, req Request) (Response, error) {
	domain, err := req.Domain()
	if err != nil {
		return Response{}, err
	}

	done, err := e.breakers.Allow(domain)
	if err != nil {
		e.metrics.UpstreamRequests.WithLabelValues(domain, "circuit_open").Inc()
		return Response{}, err
	}

	var (
		lastErr          error
		dependencyFailed bool
		attempts         int
	)
	backoff := e.baseBackoff
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			e.logger.Debug("retrying upstream request",
				"domain", domain,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
			if !sleepWithContext(ctx, e.clock, backoff) {
				break
			}
			backoff = nextBackoff(backoff, e.maxBackoff)
			if !e.awaitQuota(ctx, domain) {
				break
			}
		}

		attempts++
		resp, err := e.attempt(ctx, req, domain)
		if err == nil {
			done(nil)
			e.metrics.UpstreamRequests.WithLabelValues(domain, "success").Inc()
			if req.CacheKey != "" {
				e.responses.Set(req.CacheKey, resp, e.responseTTL(domain))
			}
			return resp, nil
		}

		lastErr = err
		if !retryable(ctx, err) {
			var se *StatusError
			if errors.As(err, &se) {
				done(err)
				e.metrics.UpstreamRequests.WithLabelValues(domain, "client_error").Inc()
				return Response{}, err
			}
			if errors.Is(err, errInvalidRequest) {
				done(err)
				return Response{}, err
			}
			if ctx.Err() == nil {
				dependencyFailed = true
			}
			break
		}
		dependencyFailed = true
	}

	err = lastErrOr(lastErr, ctx.Err())
	if ctx.Err() != nil && !dependencyFailed {
		done(fmt.Errorf("%w: %w", errCallerAborted, err))
		return Response{}, err
	}

	done(err)
	e.metrics.UpstreamRequests.WithLabelValues(domain, "error").Inc()
	e.logger.Warn("upstream request failed",
		"domain", domain,
		"attempts", attempts,
		"error", lastErr,
	)
	return Response{}, err
}

// awaitQuota blocks until domain's rate-limit window admits one more call.
// It reports false when ctx ends first.
func (e *Executor) awaitQuota(ctx context.Context, domain string) bool {
	for !e.limiter.TryConsume(domain) {
		wait := e.limiter.RetryAfter(domain)
		if wait <= 0 {
			wait = time.Millisecond
		}
		e.logger.Debug("retry waiting for rate limit window", "domain", domain, "wait", wait)
		if !sleepWithContext(ctx, e.clock, wait) {
			return false
		}
	}
	return true
}

// CountsAsSuccess is the breaker classification for executor outcomes. An
// upstream that answered with a definitive client error is healthy, and so is
// one whose caller gave up first; malformed requests never reached it.
func CountsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, errCallerAborted) || errors.Is(err, errInvalidRequest) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && !se.Retryable()
}

func (e *Executor) attempt(ctx context.Context, req Request, domain string) (Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", errors.Join(err, errInvalidRequest))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	start := e.clock.Now()
	resp, err := e.httpClient.Do(httpReq)
	e.metrics.UpstreamDuration.WithLabelValues(domain).Observe(e.clock.Since(start).Seconds())
	if err != nil {
		return Response{}, fmt.Errorf("%s request: %w", domain, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read %s response: %w", domain, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &StatusError{Domain: domain, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// retryable reports whether err from an attempt is worth another try. Caller
// cancellation, attempt timeouts, malformed requests and definitive client
// errors are not.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, errInvalidRequest) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func lastErrOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
