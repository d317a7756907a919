package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microflow/microflow/pkg/api"
)

// MemoryQueue is an in-process api.Queue with ack/nack semantics and
// visibility-timeout redelivery. It is safe for concurrent use.
//
// Messages live only in process memory: everything queued is lost on
// restart. Use the Redis variant when handoff must survive the process.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []*memoryEntry
	inflight map[string]*memoryEntry
	dlq      []*memoryEntry

	visibility time.Duration
	poll       time.Duration
}

type memoryEntry struct {
	id       string
	payload  api.Context
	attempts int
	deadline time.Time
}

var _ api.Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a MemoryQueue. visibility <= 0 uses
// api.DefaultVisibilityTimeout.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = api.DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		inflight:   make(map[string]*memoryEntry),
		visibility: visibility,
		poll:       20 * time.Millisecond,
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, payload api.Context) (string, error) {
	if err := api.CheckSerializable(payload); err != nil {
		return "", err
	}
	snapshot, err := api.CloneContext(payload)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	q.pending = append(q.pending, &memoryEntry{id: id, payload: snapshot})
	return id, nil
}

// reclaimExpired moves in-flight messages whose visibility deadline has
// passed back to the tail of the pending queue. Callers hold q.mu.
func (q *MemoryQueue) reclaimExpired(now time.Time) {
	for id, entry := range q.inflight {
		if now.After(entry.deadline) {
			delete(q.inflight, id)
			q.pending = append(q.pending, entry)
		}
	}
}

// tryConsume pops the head of the pending queue, or returns nil.
func (q *MemoryQueue) tryConsume() *api.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reclaimExpired(time.Now())
	if len(q.pending) == 0 {
		return nil
	}

	entry := q.pending[0]
	q.pending = q.pending[1:]
	entry.attempts++
	entry.deadline = time.Now().Add(q.visibility)
	q.inflight[entry.id] = entry

	return &api.Message{
		ID:       entry.id,
		Payload:  entry.payload,
		Attempts: entry.attempts,
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, block time.Duration) (*api.Message, error) {
	deadline := time.Now().Add(block)
	for {
		if msg := q.tryConsume(); msg != nil {
			return msg, nil
		}
		if block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[id]; !ok {
		return api.ErrUnknownMessage
	}
	delete(q.inflight, id)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, id string, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[id]
	if !ok {
		return api.ErrUnknownMessage
	}
	delete(q.inflight, id)
	if requeue {
		q.pending = append(q.pending, entry)
	} else {
		q.dlq = append(q.dlq, entry)
	}
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reclaimExpired(time.Now())
	return len(q.pending), nil
}

func (q *MemoryQueue) DLQLen(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.dlq), nil
}
