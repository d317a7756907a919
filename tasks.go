package microflow

import (
	"context"
	"time"
)

// SleepTask returns a TaskFunc that waits for the given duration before
// returning an empty delta.
//
// It is context-aware: if the attempt is cancelled or times out during
// the sleep, it returns ctx.Err and the attempt fails.
func SleepTask(d time.Duration) TaskFunc {
	return func(ctx context.Context, snapshot Ctx) (Ctx, error) {
		if d <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
			return nil, nil
		}
	}
}

// SetTask returns a TaskFunc that merges the given static values into the
// run context.
func SetTask(values Ctx) TaskFunc {
	return func(ctx context.Context, snapshot Ctx) (Ctx, error) {
		return values, nil
	}
}

// PublishTask returns a TaskFunc that publishes part of the run context
// to q. With no keys the whole snapshot is published; with keys only
// those entries are. The delta records the message ID under "message_id".
func PublishTask(q Queue, keys ...string) TaskFunc {
	return func(ctx context.Context, snapshot Ctx) (Ctx, error) {
		payload := snapshot
		if len(keys) > 0 {
			payload = make(Ctx, len(keys))
			for _, key := range keys {
				if v, ok := snapshot[key]; ok {
					payload[key] = v
				}
			}
		}
		id, err := q.Publish(ctx, payload)
		if err != nil {
			return nil, err
		}
		return Ctx{"message_id": id}, nil
	}
}

// ConsumeTask returns a TaskFunc that consumes one message from q,
// blocking up to block, and acks it. The message payload is merged under
// the given key; an empty key merges the payload directly into the run
// context. When nothing arrives in time the delta sets the key (or
// "message") to nil.
func ConsumeTask(q Queue, block time.Duration, key string) TaskFunc {
	return func(ctx context.Context, snapshot Ctx) (Ctx, error) {
		msg, err := q.Consume(ctx, block)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			emptyKey := key
			if emptyKey == "" {
				emptyKey = "message"
			}
			return Ctx{emptyKey: nil}, nil
		}
		if err := q.Ack(ctx, msg.ID); err != nil {
			return nil, err
		}
		if key == "" {
			return msg.Payload, nil
		}
		return Ctx{key: map[string]any(msg.Payload)}, nil
	}
}
