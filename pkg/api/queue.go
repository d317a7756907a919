package api

import (
	"context"
	"time"
)

// DefaultVisibilityTimeout is how long a consumed message stays invisible
// before it is redelivered if not acked.
const DefaultVisibilityTimeout = 30 * time.Second

// Message is one delivery from a Queue. Attempts counts deliveries,
// including this one.
type Message struct {
	ID       string
	Payload  Context
	Attempts int
}

// Queue is a minimal FIFO contract for message handoff between workflows
// and tasks. Delivery is at-least-once: a consumed message is removed
// only by Ack; an unacked message becomes visible again after the
// queue's visibility timeout and is redelivered.
//
// Ordering is FIFO per queue; there is no cross-queue ordering.
type Queue interface {
	// Publish appends a message and returns its ID.
	Publish(ctx context.Context, payload Context) (string, error)

	// Consume delivers the next visible message and hides it for the
	// visibility timeout, blocking up to block when the queue is empty.
	// It returns (nil, nil) when nothing arrived in time.
	Consume(ctx context.Context, block time.Duration) (*Message, error)

	// Ack removes a delivered message for good.
	Ack(ctx context.Context, id string) error

	// Nack gives up on a delivery: requeue true returns the message to
	// the tail of the queue, false moves it to the dead-letter queue.
	Nack(ctx context.Context, id string, requeue bool) error

	// Len returns the approximate number of messages ready for delivery.
	Len(ctx context.Context) (int, error)

	// DLQLen returns the approximate dead-letter queue size.
	DLQLen(ctx context.Context) (int, error)
}
