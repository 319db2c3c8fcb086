package apiqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmend/taskmend/config"
)

// fakeProvider is a scriptable ProviderClient.
type fakeProvider struct {
	name string
	mu   sync.Mutex
	do   func(method string, params map[string]any) (*Response, error)

	calls     atomic.Int64
	callTimes []time.Time
	methods   []string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Do(_ context.Context, method string, params map[string]any, _ string) (*Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.callTimes = append(f.callTimes, time.Now())
	f.methods = append(f.methods, method)
	f.mu.Unlock()
	return f.do(method, params)
}

func okProvider() *fakeProvider {
	return &fakeProvider{
		name: "crm",
		do: func(method string, _ map[string]any) (*Response, error) {
			return &Response{StatusCode: 200, Data: map[string]any{"method": method}}, nil
		},
	}
}

func fastConfig() config.ProviderConfig {
	return config.ProviderConfig{
		RequestsPerSecond: 1000,
		WindowLimit:       0,
		Window:            time.Minute,
		MaxRetries:        3,
	}
}

func TestEnqueueReturnsResponse(t *testing.T) {
	p := okProvider()
	q := New(p, fastConfig())
	defer q.Close()

	resp, err := q.Enqueue(context.Background(), Request{Method: "widgets.list"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "widgets.list", resp.Data["method"])
}

func TestPriorityOrderingWithStableFIFO(t *testing.T) {
	p := &fakeProvider{
		name: "crm",
		do: func(method string, _ map[string]any) (*Response, error) {
			return &Response{StatusCode: 200}, nil
		},
	}

	// Throttle dispatch hard so queued requests pile up behind the first.
	cfg := fastConfig()
	cfg.RequestsPerSecond = 5
	q := New(p, cfg)
	defer q.Close()

	ctx := context.Background()
	var wg sync.WaitGroup

	// Occupy the first dispatch slot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(ctx, Request{Method: "first", Priority: 5})
	}()
	time.Sleep(50 * time.Millisecond)

	// Enqueue out of priority order while the limiter holds them.
	for _, m := range []struct {
		method   string
		priority int
	}{
		{"low-a", 9},
		{"high", 1},
		{"low-b", 9},
	} {
		wg.Add(1)
		go func(method string, prio int) {
			defer wg.Done()
			_, _ = q.Enqueue(ctx, Request{Method: method, Priority: prio})
		}(m.method, m.priority)
		time.Sleep(20 * time.Millisecond)
	}

	wg.Wait()

	p.mu.Lock()
	methods := append([]string(nil), p.methods...)
	p.mu.Unlock()

	require.Len(t, methods, 4)
	assert.Equal(t, "first", methods[0])
	assert.Equal(t, "high", methods[1], "smaller priority dispatches first")
	assert.Equal(t, []string{"low-a", "low-b"}, methods[2:], "equal priorities preserve enqueue order")
}

func TestPerSecondRateCap(t *testing.T) {
	p := okProvider()
	cfg := fastConfig()
	cfg.RequestsPerSecond = 10
	q := New(p, cfg)
	defer q.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, Request{Method: "widgets.list"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p.mu.Lock()
	times := append([]time.Time(nil), p.callTimes...)
	p.mu.Unlock()

	// With 10 rps, any rolling 1s window holds at most 11 dispatches
	// (burst of 1 plus the refill).
	for i := range times {
		count := 0
		for j := range times {
			d := times[j].Sub(times[i])
			if d >= 0 && d < time.Second {
				count++
			}
		}
		assert.LessOrEqual(t, count, 11, "per-second cap exceeded")
	}
}

func TestWindowLimit(t *testing.T) {
	p := okProvider()
	cfg := fastConfig()
	cfg.WindowLimit = 3
	cfg.Window = 2 * time.Second
	q := New(p, cfg)
	defer q.Close()

	ctx := context.Background()
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, Request{Method: "widgets.list"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The 4th dispatch must wait for a window slot.
	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond,
		"window limit should delay the overflowing dispatch")
	assert.Equal(t, int64(4), p.calls.Load())
}

func TestRateLimit429RetriedWithBackoff(t *testing.T) {
	var calls atomic.Int64
	p := &fakeProvider{name: "crm"}
	p.do = func(string, map[string]any) (*Response, error) {
		if calls.Add(1) < 3 {
			return nil, &APIError{StatusCode: 429, Message: "rate limited"}
		}
		return &Response{StatusCode: 200}, nil
	}

	q := New(p, fastConfig())
	defer q.Close()

	start := time.Now()
	resp, err := q.Enqueue(context.Background(), Request{Method: "widgets.list"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int64(3), calls.Load())
	// Backoff base is 1s; two suspensions mean at least ~1.5s elapsed
	// (the second interval is randomized around 1.5s).
	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)
}

func TestClientErrorPropagatesImmediately(t *testing.T) {
	p := &fakeProvider{name: "crm"}
	p.do = func(string, map[string]any) (*Response, error) {
		return nil, &APIError{StatusCode: 400, Message: "method not found"}
	}

	q := New(p, fastConfig())
	defer q.Close()

	_, err := q.Enqueue(context.Background(), Request{Method: "widgets.badmethod"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, int64(1), p.calls.Load(), "4xx other than 429 must not retry")
}

func TestServerErrorRetriesThenPropagates(t *testing.T) {
	p := &fakeProvider{name: "crm"}
	p.do = func(string, map[string]any) (*Response, error) {
		return nil, &APIError{StatusCode: 503, Message: "unavailable"}
	}

	cfg := fastConfig()
	cfg.MaxRetries = 2
	q := New(p, cfg)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := q.Enqueue(ctx, Request{Method: "widgets.list", MaxRetries: 1})
	require.Error(t, err)
	assert.Equal(t, int64(2), p.calls.Load())
}

type fakeCredentials struct {
	refreshes atomic.Int64
}

func (f *fakeCredentials) Refresh(context.Context) error {
	f.refreshes.Add(1)
	return nil
}

func TestAuthFailureTriggersSingleRefresh(t *testing.T) {
	var calls atomic.Int64
	p := &fakeProvider{name: "crm"}
	p.do = func(string, map[string]any) (*Response, error) {
		if calls.Add(1) == 1 {
			return nil, &APIError{StatusCode: 401, Message: "token expired"}
		}
		return &Response{StatusCode: 200}, nil
	}

	creds := &fakeCredentials{}
	q := New(p, fastConfig(), WithCredentialSource(creds))
	defer q.Close()

	resp, err := q.Enqueue(context.Background(), Request{Method: "widgets.list"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int64(1), creds.refreshes.Load())
}

func TestAuthFailureAfterRefreshPropagates(t *testing.T) {
	p := &fakeProvider{name: "crm"}
	p.do = func(string, map[string]any) (*Response, error) {
		return nil, &APIError{StatusCode: 401, Message: "token revoked"}
	}

	creds := &fakeCredentials{}
	q := New(p, fastConfig(), WithCredentialSource(creds))
	defer q.Close()

	_, err := q.Enqueue(context.Background(), Request{Method: "widgets.list"})
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))
	assert.Equal(t, int64(1), creds.refreshes.Load(), "refresh happens at most once per request")
}

func TestSanitizePIIOnResponse(t *testing.T) {
	p := &fakeProvider{name: "crm"}
	p.do = func(string, map[string]any) (*Response, error) {
		return &Response{
			StatusCode: 200,
			Data: map[string]any{
				"email":   "jan@example.com",
				"phone":   "+1 555 123 4567",
				"note":    "reach me at jan@example.com",
				"company": "Acme",
			},
		}, nil
	}

	q := New(p, fastConfig())
	defer q.Close()

	resp, err := q.Enqueue(context.Background(), Request{Method: "contacts.get", SanitizePII: true})
	require.NoError(t, err)

	assert.Equal(t, redactedValue, resp.Data["email"])
	assert.Equal(t, redactedValue, resp.Data["phone"])
	assert.Equal(t, "reach me at "+redactedValue, resp.Data["note"])
	assert.Equal(t, "Acme", resp.Data["company"])
}

func TestCloseFailsPendingWaiters(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := &fakeProvider{name: "crm"}
	p.do = func(string, map[string]any) (*Response, error) {
		close(started)
		<-release
		return &Response{StatusCode: 200}, nil
	}

	cfg := fastConfig()
	cfg.RequestsPerSecond = 0.5 // Hold the second request at the limiter.
	q := New(p, cfg)

	errs := make(chan error, 2)
	go func() {
		_, err := q.Enqueue(context.Background(), Request{Method: "a"})
		errs <- err
	}()
	<-started
	go func() {
		_, err := q.Enqueue(context.Background(), Request{Method: "b"})
		errs <- err
	}()
	time.Sleep(100 * time.Millisecond)

	q.Close()
	close(release)

	var sawClosed bool
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			assert.ErrorIs(t, err, ErrQueueClosed)
			sawClosed = true
		}
	}
	assert.True(t, sawClosed, "pending waiter should fail with ErrQueueClosed")
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := New(okProvider(), fastConfig())
	q.Close()

	_, err := q.Enqueue(context.Background(), Request{Method: "widgets.list"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}
