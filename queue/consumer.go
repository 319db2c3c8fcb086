package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Delivery is one work item handed to a Handler.
type Delivery struct {
	// Handle is the cancellation handle assigned at enqueue time.
	Handle string

	// Payload is the opaque enqueued body.
	Payload []byte

	// Priority as set at enqueue time.
	Priority int

	// Attempt is the 1-based delivery attempt count.
	Attempt int
}

// Handler processes one delivery. A nil return acknowledges the delivery;
// an error triggers redelivery up to the configured MaxDeliver.
type Handler func(ctx context.Context, d Delivery) error

// Consume fetches deliveries until ctx is cancelled, running up to
// MaxConcurrent handlers at a time. Deliveries scheduled for the future are
// re-queued with a delay; tombstoned deliveries are dropped.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.cfg.ConsumerName,
		FilterSubject: subjectDispatch,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	sem := make(chan struct{}, q.cfg.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Fetch messages with a timeout
		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			if !q.admitDelivery(ctx, msg) {
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				if err := msg.Nak(); err != nil {
					q.logger.Warn("Failed to NAK message", "error", err)
				}
				return nil
			}

			go func(m jetstream.Msg) {
				defer func() { <-sem }()
				q.handleDelivery(ctx, m, handler)
			}(msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			q.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// admitDelivery applies tombstone and deliver-at gating. Returns false when
// the message was already disposed of (acked or re-queued).
func (q *Queue) admitDelivery(ctx context.Context, msg jetstream.Msg) bool {
	handle := msg.Headers().Get(HeaderHandle)

	if q.isCancelled(ctx, handle) {
		q.logger.Debug("Dropping cancelled delivery", "handle", handle)
		if err := msg.Ack(); err != nil {
			q.logger.Warn("Failed to ACK cancelled delivery", "error", err)
		}
		return false
	}

	if deliverAt := msg.Headers().Get(HeaderDeliverAt); deliverAt != "" {
		at, err := time.Parse(time.RFC3339Nano, deliverAt)
		if err == nil {
			if wait := time.Until(at); wait > 0 {
				if err := msg.NakWithDelay(wait); err != nil {
					q.logger.Warn("Failed to delay delivery", "handle", handle, "error", err)
				}
				return false
			}
		}
	}

	return true
}

func (q *Queue) handleDelivery(ctx context.Context, msg jetstream.Msg, handler Handler) {
	handle := msg.Headers().Get(HeaderHandle)

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	priority := 0
	if p := msg.Headers().Get(HeaderPriority); p != "" {
		fmt.Sscanf(p, "%d", &priority)
	}

	err := handler(ctx, Delivery{
		Handle:   handle,
		Payload:  msg.Data(),
		Priority: priority,
		Attempt:  attempt,
	})
	if err != nil {
		q.logger.Warn("Delivery handler failed",
			"handle", handle,
			"attempt", attempt,
			"error", err)
		if err := msg.Nak(); err != nil {
			q.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		q.logger.Warn("Failed to ACK message", "error", err)
	}
}
