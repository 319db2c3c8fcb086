// Package queue provides a durable work queue on JetStream with delayed
// delivery and best-effort cancellation by handle.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/taskmend/taskmend/config"
)

// Message headers carried on every delivery.
const (
	HeaderHandle    = "Taskmend-Handle"
	HeaderDeliverAt = "Taskmend-Deliver-At"
	HeaderPriority  = "Taskmend-Priority"
)

// BucketCancellations holds tombstones for cancelled deliveries.
const BucketCancellations = "TASKMEND_CANCELLED"

// tombstoneTTL bounds how long cancellation tombstones live. Must exceed the
// maximum redelivery horizon so a cancelled handle cannot resurface.
const tombstoneTTL = 48 * time.Hour

// subjectDispatch is the subject all work deliveries are published to.
const subjectDispatch = "taskmend.work.dispatch"

// Queue is a durable work queue backed by a JetStream stream.
type Queue struct {
	js         jetstream.JetStream
	stream     jetstream.Stream
	tombstones jetstream.KeyValue
	cfg        config.QueueConfig
	logger     *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// New creates a Queue, provisioning the stream and cancellation bucket if
// they don't exist.
func New(ctx context.Context, js jetstream.JetStream, cfg config.QueueConfig, opts ...Option) (*Queue, error) {
	q := &Queue{
		js:     js,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "Taskmend background work deliveries",
			Subjects:    []string{subjectDispatch},
			Retention:   jetstream.WorkQueuePolicy,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("create work stream: %w", err)
		}
	}
	q.stream = stream

	tombstones, err := js.KeyValue(ctx, BucketCancellations)
	if err != nil {
		tombstones, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketCancellations,
			Description: "Taskmend cancelled delivery tombstones",
			TTL:         tombstoneTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("create cancellation bucket: %w", err)
		}
	}
	q.tombstones = tombstones

	return q, nil
}

// EnqueueOptions control delivery scheduling.
type EnqueueOptions struct {
	// Delay postpones delivery to consumers by the given duration.
	Delay time.Duration

	// Priority is carried through to the payload consumer; the queue itself
	// delivers FIFO.
	Priority int
}

// Enqueue publishes a delivery and returns its cancellation handle.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (string, error) {
	handle := uuid.New().String()

	msg := &nats.Msg{
		Subject: subjectDispatch,
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(HeaderHandle, handle)
	msg.Header.Set(HeaderPriority, strconv.Itoa(opts.Priority))
	if opts.Delay > 0 {
		deliverAt := time.Now().Add(opts.Delay)
		msg.Header.Set(HeaderDeliverAt, deliverAt.Format(time.RFC3339Nano))
	}

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return "", fmt.Errorf("publish delivery: %w", err)
	}

	q.logger.Debug("Enqueued delivery",
		"handle", handle,
		"delay", opts.Delay,
		"priority", opts.Priority)

	return handle, nil
}

// Cancel tombstones a delivery handle. Consumers drop tombstoned deliveries
// at dispatch time. Returns true when the tombstone was newly written, false
// when the handle was already cancelled. Cancellation is best-effort: a
// delivery already being processed is not interrupted.
func (q *Queue) Cancel(ctx context.Context, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}

	_, err := q.tombstones.Create(ctx, handle, []byte(time.Now().Format(time.RFC3339Nano)))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("write tombstone: %w", err)
	}

	q.logger.Debug("Cancelled delivery", "handle", handle)
	return true, nil
}

// isCancelled reports whether a handle has a tombstone.
func (q *Queue) isCancelled(ctx context.Context, handle string) bool {
	if handle == "" {
		return false
	}
	_, err := q.tombstones.Get(ctx, handle)
	return err == nil
}
