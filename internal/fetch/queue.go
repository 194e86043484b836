package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/location-resolver/internal/observability"
	"github.com/couchcryptid/location-resolver/internal/ratelimit"
)

// Queue defaults.
const (
	DefaultDebounce  = 50 * time.Millisecond
	DefaultBatchSize = 5
	DefaultWorkers   = 8
)

// ErrQueueClosed is returned for requests still waiting when the queue stops.
var ErrQueueClosed = errors.New("batch queue closed")

// QueueOptions configures a Queue.
type QueueOptions struct {
	Debounce  time.Duration
	BatchSize int

	// Workers bounds concurrent dispatch to unlimited domains.
	Workers int
}

// DispatchFunc performs a request that has already passed the rate check.
type DispatchFunc func(ctx context.Context, req Request) (Response, error)

type batchResult struct {
	resp Response
	err  error
}

type batchRequest struct {
	id         string
	ctx        context.Context
	req        Request
	domain     string
	enqueuedAt time.Time
	result     chan batchResult
}

func (br *batchRequest) finish(resp Response, err error) {
	br.result <- batchResult{resp: resp, err: err}
}

// Queue holds requests that could not be sent immediately. A single processing
// loop drains it: after a debounce window it takes up to BatchSize requests in
// priority order, groups them by domain, sends each rate-limited domain's
// group sequentially at the domain's sustainable spacing, and sends groups for
// unlimited domains concurrently.
type Queue struct {
	opts     QueueOptions
	limiter  *ratelimit.Limiter
	dispatch DispatchFunc
	pool     pond.Pool
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu         sync.Mutex
	items      []*batchRequest
	processing bool
	closed     bool

	pacersMu sync.Mutex
	pacers   map[string]*rate.Limiter
}

// NewQueue creates a queue that sends requests with dispatch.
func NewQueue(opts QueueOptions, limiter *ratelimit.Limiter, dispatch DispatchFunc, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Queue {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Queue{
		opts:     opts,
		limiter:  limiter,
		dispatch: dispatch,
		pool:     pond.NewPool(opts.Workers),
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
		pacers:   make(map[string]*rate.Limiter),
	}
}

// Enqueue adds req and waits for its result. If ctx ends first the caller
// stops waiting and the request is skipped when its turn comes.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Response, error) {
	domain, err := req.Domain()
	if err != nil {
		return Response{}, err
	}

	br := &batchRequest{
		id:         uuid.NewString(),
		ctx:        ctx,
		req:        req,
		domain:     domain,
		enqueuedAt: q.clock.Now(),
		result:     make(chan batchResult, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Response{}, ErrQueueClosed
	}
	q.insertLocked(br)
	start := !q.processing
	q.processing = true
	q.metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	if start {
		go q.process()
	}

	select {
	case res := <-br.result:
		return res.resp, res.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close fails all waiting requests and stops the dispatch pool.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.metrics.QueueDepth.Set(0)
	q.mu.Unlock()

	for _, br := range pending {
		br.finish(Response{}, ErrQueueClosed)
	}
	q.pool.StopAndWait()
}

// insertLocked places br after every request of equal or higher priority.
func (q *Queue) insertLocked(br *batchRequest) {
	i := len(q.items)
	for i > 0 && q.items[i-1].req.Priority < br.req.Priority {
		i--
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = br
}

// requeueFront puts requests back at the head of the queue in their original order.
func (q *Queue) requeueFront(brs []*batchRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		for _, br := range brs {
			br.finish(Response{}, ErrQueueClosed)
		}
		return
	}
	q.items = append(append(make([]*batchRequest, 0, len(brs)+len(q.items)), brs...), q.items...)
	q.metrics.QueueDepth.Set(float64(len(q.items)))
}

func (q *Queue) process() {
	for {
		q.clock.Sleep(q.opts.Debounce)

		batch := q.take()
		if batch == nil {
			return
		}
		if wait := q.runBatch(batch); wait > 0 {
			q.clock.Sleep(wait)
		}
	}
}

// take removes the next batch, or ends processing when the queue is empty.
func (q *Queue) take() []*batchRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.closed {
		q.processing = false
		return nil
	}
	n := min(q.opts.BatchSize, len(q.items))
	batch := make([]*batchRequest, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	q.metrics.QueueDepth.Set(float64(len(q.items)))
	return batch
}

// runBatch sends one batch and returns how long to wait before the next one
// when a domain ran out of quota.
func (q *Queue) runBatch(batch []*batchRequest) time.Duration {
	var (
		order  []string
		groups = make(map[string][]*batchRequest)
	)
	for _, br := range batch {
		if br.ctx.Err() != nil {
			br.finish(Response{}, br.ctx.Err())
			continue
		}
		if _, ok := groups[br.domain]; !ok {
			order = append(order, br.domain)
		}
		groups[br.domain] = append(groups[br.domain], br)
	}

	var (
		wg       sync.WaitGroup
		waitMu   sync.Mutex
		maxWait  time.Duration
		parallel = q.pool.NewGroup()
	)
	for _, domain := range order {
		group := groups[domain]
		limit, limited := q.limiter.Limit(domain)
		if !limited {
			if q.pool.Stopped() {
				for _, br := range group {
					br.finish(Response{}, ErrQueueClosed)
				}
				continue
			}
			for _, br := range group {
				parallel.Submit(func() { q.send(br) })
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if wait := q.runSequential(domain, limit, group); wait > 0 {
				waitMu.Lock()
				maxWait = max(maxWait, wait)
				waitMu.Unlock()
			}
		}()
	}

	wg.Wait()
	if err := parallel.Wait(); err != nil {
		q.logger.Warn("batch dispatch failed", "error", err)
	}
	return maxWait
}

// runSequential sends one domain's group in order, spacing calls by the
// domain's limit. A request that cannot pass the rate check goes back to the
// front of the queue together with the rest of its group.
func (q *Queue) runSequential(domain string, limit ratelimit.Limit, group []*batchRequest) time.Duration {
	pacer := q.pacer(domain, limit)
	for i, br := range group {
		if err := pacer.Wait(br.ctx); err != nil {
			br.finish(Response{}, err)
			continue
		}
		if !q.limiter.TryConsume(domain) {
			q.logger.Debug("domain over quota, requeueing",
				"domain", domain,
				"request_id", br.id,
				"requests", len(group)-i,
			)
			q.requeueFront(group[i:])
			return max(q.limiter.RetryAfter(domain), q.opts.Debounce)
		}
		q.send(br)
	}
	return 0
}

func (q *Queue) send(br *batchRequest) {
	if err := br.ctx.Err(); err != nil {
		br.finish(Response{}, err)
		return
	}
	q.logger.Debug("dispatching queued request",
		"request_id", br.id,
		"domain", br.domain,
		"priority", br.req.Priority.String(),
		"waited", q.clock.Since(br.enqueuedAt),
	)
	resp, err := q.dispatch(br.ctx, br.req)
	br.finish(resp, err)
}

func (q *Queue) pacer(domain string, limit ratelimit.Limit) *rate.Limiter {
	q.pacersMu.Lock()
	defer q.pacersMu.Unlock()

	if p, ok := q.pacers[domain]; ok {
		return p
	}
	p := rate.NewLimiter(rate.Every(limit.Spacing()), 1)
	q.pacers[domain] = p
	return p
}
