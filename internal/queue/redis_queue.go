package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/microflow/microflow/pkg/api"
)

// RedisQueue is an api.Queue backed by Redis:
//
//	<prefix>ready     LIST of message IDs, LPUSH on publish, BRPOP on consume
//	<prefix>pending   ZSET of in-flight IDs scored by visibility deadline
//	<prefix>dlq       LIST of dead-lettered message IDs
//	<prefix>msg:<id>  JSON document {payload, attempts}
//
// Before each consume, pending entries whose deadline has passed are
// reclaimed to the head of the ready list, which is what makes unacked
// deliveries come back.
type RedisQueue struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
}

type redisMessageDoc struct {
	Payload  api.Context `json:"payload"`
	Attempts int         `json:"attempts"`
}

var _ api.Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a RedisQueue. An empty prefix defaults to
// "microflow:queue:"; visibility <= 0 uses api.DefaultVisibilityTimeout.
func NewRedisQueue(client *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "microflow:queue:"
	}
	if visibility <= 0 {
		visibility = api.DefaultVisibilityTimeout
	}
	return &RedisQueue{
		client:     client,
		prefix:     prefix,
		visibility: visibility,
	}
}

func (q *RedisQueue) readyKey() string   { return q.prefix + "ready" }
func (q *RedisQueue) pendingKey() string { return q.prefix + "pending" }
func (q *RedisQueue) dlqKey() string     { return q.prefix + "dlq" }
func (q *RedisQueue) msgKey(id string) string {
	return q.prefix + "msg:" + id
}

func (q *RedisQueue) Publish(ctx context.Context, payload api.Context) (string, error) {
	if err := api.CheckSerializable(payload); err != nil {
		return "", err
	}
	id := uuid.NewString()
	doc, err := json.Marshal(redisMessageDoc{Payload: payload})
	if err != nil {
		return "", &api.StoreError{Op: "queue publish", Err: err}
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(id), doc, 0)
	pipe.LPush(ctx, q.readyKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", &api.StoreError{Op: "queue publish", Err: err}
	}
	return id, nil
}

// reclaimExpired moves timed-out pending IDs back onto the consuming end
// of the ready list so they are redelivered before newer messages.
func (q *RedisQueue) reclaimExpired(ctx context.Context) error {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.pendingKey(), id)
		pipe.RPush(ctx, q.readyKey(), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Consume(ctx context.Context, block time.Duration) (*api.Message, error) {
	if err := q.reclaimExpired(ctx); err != nil {
		return nil, &api.StoreError{Op: "queue reclaim", Err: err}
	}

	var (
		id  string
		err error
	)
	if block > 0 {
		var res []string
		res, err = q.client.BRPop(ctx, block, q.readyKey()).Result()
		if err == nil && len(res) == 2 {
			id = res[1]
		}
	} else {
		id, err = q.client.RPop(ctx, q.readyKey()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &api.StoreError{Op: "queue consume", Err: err}
	}
	if id == "" {
		return nil, nil
	}

	data, err := q.client.Get(ctx, q.msgKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Payload vanished under the ID; nothing to deliver.
			return nil, nil
		}
		return nil, &api.StoreError{Op: "queue consume", Err: err}
	}
	var doc redisMessageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &api.StoreError{Op: "queue consume", Err: err}
	}
	doc.Attempts++

	updated, err := json.Marshal(doc)
	if err != nil {
		return nil, &api.StoreError{Op: "queue consume", Err: err}
	}
	deadline := time.Now().Add(q.visibility)
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(id), updated, 0)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &api.StoreError{Op: "queue consume", Err: err}
	}

	return &api.Message{
		ID:       id,
		Payload:  doc.Payload,
		Attempts: doc.Attempts,
	}, nil
}

// removePending takes id out of the pending set, reporting whether it was
// actually in flight.
func (q *RedisQueue) removePending(ctx context.Context, id string) (bool, error) {
	n, err := q.client.ZRem(ctx, q.pendingKey(), id).Result()
	if err != nil {
		return false, &api.StoreError{Op: "queue ack", Err: err}
	}
	return n > 0, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	ok, err := q.removePending(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrUnknownMessage
	}
	if err := q.client.Del(ctx, q.msgKey(id)).Err(); err != nil {
		return &api.StoreError{Op: "queue ack", Err: err}
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, id string, requeue bool) error {
	ok, err := q.removePending(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrUnknownMessage
	}

	key := q.readyKey()
	if !requeue {
		key = q.dlqKey()
	}
	if err := q.client.LPush(ctx, key, id).Err(); err != nil {
		return &api.StoreError{Op: "queue nack", Err: err}
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, &api.StoreError{Op: "queue len", Err: err}
	}
	return int(n), nil
}

func (q *RedisQueue) DLQLen(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.dlqKey()).Result()
	if err != nil {
		return 0, &api.StoreError{Op: "queue len", Err: err}
	}
	return int(n), nil
}
