package apiqueue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/taskmend/taskmend/config"
	"github.com/taskmend/taskmend/metrics"
)

// Request is one outbound call to be serialized through the queue.
type Request struct {
	// Method is the provider operation, e.g. "widgets.list".
	Method string

	// Params are the operation arguments.
	Params map[string]any

	// Priority orders dispatch: smaller values dispatch first. Equal
	// priorities preserve enqueue order.
	Priority int

	// IdempotencyHint is passed through to the provider client.
	IdempotencyHint string

	// MaxRetries overrides the configured retry budget for rate-limit and
	// transient errors. Zero uses the config default.
	MaxRetries int

	// SanitizePII redacts PII-shaped fields of the response before return.
	SanitizePII bool
}

// Response is a structured provider response.
type Response struct {
	StatusCode int            `json:"status_code"`
	Data       map[string]any `json:"data,omitempty"`
	Items      []any          `json:"items,omitempty"`
}

// ProviderClient translates (method, params) into one outbound request.
// Implementations surface provider failures as *APIError.
type ProviderClient interface {
	Name() string
	Do(ctx context.Context, method string, params map[string]any, idempotencyHint string) (*Response, error)
}

// CredentialSource supplies a refreshable opaque credential to provider
// clients. The queue triggers Refresh once per request on auth failure.
type CredentialSource interface {
	Refresh(ctx context.Context) error
}

// backoff parameters for rate-limit suspension.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

// waiter is one enqueued request with its delivery channel.
type waiter struct {
	req    Request
	seq    uint64
	ctx    context.Context
	result chan waiterResult
	index  int
}

type waiterResult struct {
	resp *Response
	err  error
}

// waiterHeap orders by priority, then enqueue sequence (stable FIFO).
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// Queue serializes and rate-limits outbound calls for one provider.
type Queue struct {
	provider    ProviderClient
	credentials CredentialSource
	cfg         config.ProviderConfig
	logger      *slog.Logger

	limiter *rate.Limiter
	window  *slidingWindow

	mu      sync.Mutex
	heap    waiterHeap
	nextSeq uint64
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithCredentialSource sets the refreshable credential source.
func WithCredentialSource(cs CredentialSource) Option {
	return func(q *Queue) {
		q.credentials = cs
	}
}

// New creates a Queue for one provider and starts its dispatcher.
func New(provider ProviderClient, cfg config.ProviderConfig, opts ...Option) *Queue {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = config.DefaultProviderConfig().RequestsPerSecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = config.DefaultProviderConfig().MaxRetries
	}

	q := &Queue{
		provider: provider,
		cfg:      cfg,
		logger:   slog.Default(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		window:   newSlidingWindow(cfg.WindowLimit, cfg.Window),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	go q.dispatchLoop()

	return q
}

// Enqueue submits a request and blocks until its response, a terminal error,
// or ctx cancellation. Backpressure is applied by suspension, never by
// buffering responses.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		return nil, fmt.Errorf("method is required")
	}

	w := &waiter{
		req:    req,
		ctx:    ctx,
		result: make(chan waiterResult, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	w.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, w)
	q.mu.Unlock()

	q.signal()

	select {
	case res := <-w.result:
		return res.resp, res.err
	case <-ctx.Done():
		q.remove(w)
		return nil, ctx.Err()
	}
}

// Close shuts the queue down; all pending waiters fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := make([]*waiter, len(q.heap))
	copy(pending, q.heap)
	q.heap = nil
	q.mu.Unlock()

	close(q.done)

	for _, w := range pending {
		w.result <- waiterResult{err: ErrQueueClosed}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// remove drops a waiter whose caller gave up.
func (q *Queue) remove(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.index >= 0 && w.index < len(q.heap) && q.heap[w.index] == w {
		heap.Remove(&q.heap, w.index)
	}
}

// pop returns the highest-priority waiter, or nil when the queue is empty.
func (q *Queue) pop() *waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*waiter)
}

// dispatchLoop serializes dispatches: pops waiters in priority order, holds
// each at the rate gates, then executes it. Execution runs in its own
// goroutine so slow responses don't block the dispatch rate; responses are
// delivered in completion order, not dispatch order.
func (q *Queue) dispatchLoop() {
	for {
		w := q.pop()
		if w == nil {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}

		// Caller may have abandoned the request while it queued.
		if w.ctx.Err() != nil {
			continue
		}

		if !q.waitForCapacity(w) {
			continue
		}

		go q.execute(w)
	}
}

// waitForCapacity blocks until both rate gates admit a dispatch. Returns
// false when the waiter's context expired or the queue closed while waiting.
func (q *Queue) waitForCapacity(w *waiter) bool {
	provider := q.provider.Name()

	// Per-second token bucket.
	reservation := q.limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		metrics.RateLimitWaitsTotal.WithLabelValues(provider).Inc()
		if !q.sleep(w, delay) {
			reservation.Cancel()
			return false
		}
	}

	// Long rolling window.
	for {
		ok, wait := q.window.reserve(time.Now())
		if ok {
			return true
		}
		metrics.RateLimitWaitsTotal.WithLabelValues(provider).Inc()
		if !q.sleep(w, wait) {
			return false
		}
	}
}

// sleep waits for d, aborting early on waiter cancellation or shutdown.
// When aborted on behalf of the waiter, it delivers the cancellation error.
func (q *Queue) sleep(w *waiter, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.ctx.Done():
		w.result <- waiterResult{err: w.ctx.Err()}
		return false
	case <-q.done:
		w.result <- waiterResult{err: ErrQueueClosed}
		return false
	}
}

// execute performs the provider call with rate-limit backoff and retry.
func (q *Queue) execute(w *waiter) {
	providerName := q.provider.Name()
	metrics.APIDispatchTotal.WithLabelValues(providerName).Inc()

	maxRetries := w.req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.MaxInterval = backoffCap
	bo.MaxElapsedTime = 0 // Bounded by attempt count, not wall clock.
	bo.Reset()

	var lastErr error
	refreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := q.provider.Do(w.ctx, w.req.Method, w.req.Params, w.req.IdempotencyHint)
		if err == nil {
			if w.req.SanitizePII && resp != nil {
				if resp.Data != nil {
					sanitizePII(resp.Data)
				}
				if resp.Items != nil {
					sanitizePII(resp.Items)
				}
			}
			w.result <- waiterResult{resp: resp}
			return
		}

		lastErr = err

		// One credential refresh per request on auth rejection.
		if IsAuthFailure(err) && q.credentials != nil && !refreshed {
			refreshed = true
			if rerr := q.credentials.Refresh(w.ctx); rerr == nil {
				q.logger.Debug("Refreshed credentials after auth failure",
					"provider", providerName,
					"method", w.req.Method)
				continue
			}
			break
		}

		if !isRetryable(err) || attempt == maxRetries {
			break
		}

		wait := bo.NextBackOff()
		q.logger.Debug("Provider call failed, backing off",
			"provider", providerName,
			"method", w.req.Method,
			"attempt", attempt+1,
			"backoff", wait,
			"error", err)

		if !q.sleep(w, wait) {
			return
		}
	}

	w.result <- waiterResult{err: lastErr}
}
