package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/location-resolver/internal/observability"
	"github.com/couchcryptid/location-resolver/internal/ratelimit"
)

type recorder struct {
	mu    sync.Mutex
	urls  []string
	times []time.Time
}

func (r *recorder) dispatch(_ context.Context, req Request) (Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, req.URL)
	r.times = append(r.times, time.Now())
	return Response{StatusCode: 200, Body: []byte(req.URL)}, nil
}

func (r *recorder) snapshot() ([]string, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...), append([]time.Time(nil), r.times...)
}

func newTestQueue(t *testing.T, opts QueueOptions, limits map[string]ratelimit.Limit, dispatch DispatchFunc) (*Queue, *ratelimit.Limiter) {
	t.Helper()
	limiter := ratelimit.New(limits, nil)
	q := NewQueue(opts, limiter, dispatch, clockwork.NewRealClock(), discardLogger(), observability.NewMetricsForTesting())
	t.Cleanup(q.Close)
	return q, limiter
}

// enqueueInOrder starts one Enqueue per request and waits until each is
// visible in the queue before starting the next, so insertion order is fixed.
func enqueueInOrder(t *testing.T, q *Queue, reqs []Request) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), req)
			assert.NoError(t, err)
		}()
		require.Eventually(t, func() bool { return q.Len() == i+1 }, time.Second, time.Millisecond)
	}
	return &wg
}

func TestQueue_PriorityOrder(t *testing.T) {
	rec := &recorder{}
	q, _ := newTestQueue(t,
		QueueOptions{Debounce: 200 * time.Millisecond, BatchSize: 10},
		map[string]ratelimit.Limit{"api.example.com": {Requests: 100, Window: time.Second}},
		rec.dispatch,
	)

	wg := enqueueInOrder(t, q, []Request{
		{URL: "https://api.example.com/low", Priority: PriorityLow},
		{URL: "https://api.example.com/medium-1", Priority: PriorityMedium},
		{URL: "https://api.example.com/high", Priority: PriorityHigh},
		{URL: "https://api.example.com/medium-2", Priority: PriorityMedium},
	})
	wg.Wait()

	urls, _ := rec.snapshot()
	assert.Equal(t, []string{
		"https://api.example.com/high",
		"https://api.example.com/medium-1",
		"https://api.example.com/medium-2",
		"https://api.example.com/low",
	}, urls)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PacesLimitedDomain(t *testing.T) {
	rec := &recorder{}
	q, _ := newTestQueue(t,
		QueueOptions{Debounce: 10 * time.Millisecond, BatchSize: 5},
		map[string]ratelimit.Limit{"slow.example.com": {Requests: 3, Window: 300 * time.Millisecond}},
		rec.dispatch,
	)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), Request{URL: "https://slow.example.com/q"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, times := rec.snapshot()
	require.Len(t, times, 3)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 80*time.Millisecond, "calls %d and %d too close", i-1, i)
	}
}

func TestQueue_RequeuesWhenWindowExhausted(t *testing.T) {
	rec := &recorder{}
	q, limiter := newTestQueue(t,
		QueueOptions{Debounce: 5 * time.Millisecond},
		map[string]ratelimit.Limit{"api.example.com": {Requests: 1, Window: 150 * time.Millisecond}},
		rec.dispatch,
	)
	require.True(t, limiter.TryConsume("api.example.com"))

	start := time.Now()
	resp, err := q.Enqueue(context.Background(), Request{URL: "https://api.example.com/later"})

	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/later", string(resp.Body))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	urls, _ := rec.snapshot()
	assert.Len(t, urls, 1)
}

func TestQueue_UnlimitedDomainsRunConcurrently(t *testing.T) {
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		release  = make(chan struct{})
	)
	dispatch := func(_ context.Context, req Request) (Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return Response{StatusCode: 200}, nil
	}
	q, _ := newTestQueue(t, QueueOptions{Debounce: 50 * time.Millisecond, BatchSize: 3, Workers: 3}, nil, dispatch)

	var wg sync.WaitGroup
	for _, host := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), Request{URL: "https://" + host + "/"})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return peak.Load() == 3 }, 2*time.Second, time.Millisecond)
	close(release)
	wg.Wait()
}

func TestQueue_CancelledRequestIsSkipped(t *testing.T) {
	rec := &recorder{}
	q, _ := newTestQueue(t, QueueOptions{Debounce: 100 * time.Millisecond}, nil, rec.dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, Request{URL: "https://api.example.com/gone"})
		errc <- err
	}()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)

	_, err := q.Enqueue(context.Background(), Request{URL: "https://api.example.com/kept"})
	require.NoError(t, err)
	urls, _ := rec.snapshot()
	assert.Equal(t, []string{"https://api.example.com/kept"}, urls)
}

func TestQueue_CloseFailsPending(t *testing.T) {
	rec := &recorder{}
	q, limiter := newTestQueue(t,
		QueueOptions{Debounce: 5 * time.Millisecond},
		map[string]ratelimit.Limit{"api.example.com": {Requests: 1, Window: 2 * time.Second}},
		rec.dispatch,
	)
	require.True(t, limiter.TryConsume("api.example.com"))

	errc := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), Request{URL: "https://api.example.com/never"})
		errc <- err
	}()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	q.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed on close")
	}

	_, err := q.Enqueue(context.Background(), Request{URL: "https://api.example.com/after"})
	require.ErrorIs(t, err, ErrQueueClosed)
	urls, _ := rec.snapshot()
	assert.Empty(t, urls)
}

func TestQueue_RejectsRequestWithoutHost(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{}, nil, (&recorder{}).dispatch)

	_, err := q.Enqueue(context.Background(), Request{URL: "not a url"})
	require.ErrorIs(t, err, errInvalidRequest)
}
