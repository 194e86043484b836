// Package breaker keeps one circuit breaker per upstream domain.
//
// Breakers use sony/gobreaker's two-step protocol: the executor asks for
// permission before a logical call (including its retries) and reports a
// single outcome afterwards. A breaker trips after Threshold consecutive
// failures, fails fast for ResetTimeout, then half-opens and admits exactly
// one trial call. Success closes it; failure reopens it.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultThreshold    = 5
	DefaultResetTimeout = 30 * time.Second
)

// ErrOpen is returned by Allow while a domain's breaker rejects calls.
var ErrOpen = errors.New("circuit open")

var errFailure = errors.New("call failed")

// Options configures every breaker in a Registry.
type Options struct {
	Threshold    uint32
	ResetTimeout time.Duration
	Logger       *slog.Logger

	// OnStateChange, if set, is invoked on every transition.
	OnStateChange func(domain, from, to string)

	// IsSuccessful classifies the error handed to done. Nil counts only nil
	// errors as successes.
	IsSuccessful func(err error) bool
}

// Registry lazily creates breakers keyed by domain.
type Registry struct {
	opts Options

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = DefaultResetTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		opts:     opts,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]),
	}
}

func (r *Registry) get(domain string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[domain]; ok {
		return cb
	}

	threshold := r.opts.Threshold
	cb := gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        domain,
		MaxRequests: 1,
		Timeout:     r.opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: r.opts.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.opts.Logger.Info("circuit breaker state change",
				"domain", name,
				"from", from.String(),
				"to", to.String(),
			)
			if r.opts.OnStateChange != nil {
				r.opts.OnStateChange(name, from.String(), to.String())
			}
		},
	})
	r.breakers[domain] = cb
	return cb
}

// Allow asks permission for one logical call to domain. On success the
// caller must invoke done exactly once with the call's error, nil when it
// succeeded.
func (r *Registry) Allow(domain string) (done func(err error), err error) {
	done, err = r.get(domain).Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", domain, ErrOpen)
		}
		return nil, err
	}
	return done, nil
}

// RecordFailure counts one failed call against domain. It is for callers
// that do not hold a done callback from Allow; the executor reports through
// Allow instead. err is classified by Options.IsSuccessful like any other.
func (r *Registry) RecordFailure(domain string, err error) {
	if err == nil {
		err = errFailure
	}
	if done, aerr := r.get(domain).Allow(); aerr == nil {
		done(err)
	}
}

// RecordSuccess resets domain's failure count and closes a half-open breaker.
// Like RecordFailure it is for callers outside the Allow protocol.
func (r *Registry) RecordSuccess(domain string) {
	if done, err := r.get(domain).Allow(); err == nil {
		done(nil)
	}
}

// IsOpen reports whether domain is currently failing fast. A breaker whose
// reset timeout has elapsed reports false: it is half-open.
func (r *Registry) IsOpen(domain string) bool {
	return r.get(domain).State() == gobreaker.StateOpen
}

// State returns "closed", "half-open" or "open" for domain.
func (r *Registry) State(domain string) string {
	return r.get(domain).State().String()
}
