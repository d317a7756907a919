package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/microflow/microflow/pkg/api"
)

// DefaultRedisPrefix namespaces all microflow keys in Redis.
const DefaultRedisPrefix = "microflow:"

// redisTxRetries bounds the optimistic-lock retry loop of the RMW
// primitives. WATCH aborts the transaction when another writer touches
// the key first; under the engine's per-run write patterns a handful of
// retries is plenty.
const redisTxRetries = 16

// RedisStateStore is a StateStore keeping one JSON document per run at
// <prefix>run:<run_id>.
//
// Atomicity of UpdateCtx and UpsertTask is achieved with Redis's native
// compare-and-swap primitive: a WATCH on the run key, re-read, modify,
// and a transactional write that fails if a concurrent writer got there
// first, retried up to redisTxRetries times before giving up with a
// StoreError.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

var _ api.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore creates a RedisStateStore. An empty prefix defaults
// to DefaultRedisPrefix.
func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStateStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStateStore) runKey(runID string) string {
	return s.prefix + "run:" + runID
}

func decodeRun(data []byte) (*api.Run, error) {
	var run api.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, &api.StoreError{Op: "load", Err: err}
	}
	return &run, nil
}

func (s *RedisStateStore) LoadRun(ctx context.Context, runID string) (*api.Run, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrRunNotFound
		}
		return nil, &api.StoreError{Op: "load", Err: err}
	}
	return decodeRun(data)
}

func (s *RedisStateStore) SaveRun(ctx context.Context, run *api.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return &api.StoreError{Op: "save", Err: err}
	}
	if err := s.client.Set(ctx, s.runKey(run.RunID), data, 0).Err(); err != nil {
		return &api.StoreError{Op: "save", Err: err}
	}
	return nil
}

// rmw runs modify inside a WATCH-guarded read-modify-write on the run's
// key, retrying on write conflicts.
func (s *RedisStateStore) rmw(ctx context.Context, runID string, modify func(run *api.Run) error) (*api.Run, error) {
	key := s.runKey(runID)

	var result *api.Run
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return api.ErrRunNotFound
			}
			return err
		}
		run, err := decodeRun(data)
		if err != nil {
			return err
		}
		if err := modify(run); err != nil {
			return err
		}
		run.UpdatedAt = nowUTC()

		payload, err := json.Marshal(run)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = run
		return nil
	}

	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer landed first; re-read and retry.
			continue
		}
		if errors.Is(err, api.ErrRunNotFound) {
			return nil, api.ErrRunNotFound
		}
		var serr *api.SerializationError
		if errors.As(err, &serr) {
			return nil, serr
		}
		return nil, &api.StoreError{Op: "update", Err: err}
	}
	return nil, &api.StoreError{Op: "update", Err: fmt.Errorf("write conflict on %s persisted after %d retries", key, redisTxRetries)}
}

func (s *RedisStateStore) UpdateCtx(ctx context.Context, runID string, delta api.Context) (api.Context, error) {
	run, err := s.rmw(ctx, runID, func(run *api.Run) error {
		if err := api.CheckSerializable(delta); err != nil {
			return err
		}
		run.Ctx = api.MergeContext(run.Ctx, delta)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run.Ctx, nil
}

func (s *RedisStateStore) UpsertTask(ctx context.Context, runID string, rec *api.TaskRecord) error {
	_, err := s.rmw(ctx, runID, func(run *api.Run) error {
		upsertTaskRecord(run, rec.Clone())
		return nil
	})
	return err
}

func (s *RedisStateStore) ListRuns(ctx context.Context) ([]api.RunSummary, error) {
	var summaries []api.RunSummary

	iter := s.client.Scan(ctx, 0, s.prefix+"run:*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, &api.StoreError{Op: "list", Err: err}
		}
		run, err := decodeRun(data)
		if err != nil {
			continue
		}
		summaries = append(summaries, run.Summary())
	}
	if err := iter.Err(); err != nil {
		return nil, &api.StoreError{Op: "list", Err: err}
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *RedisStateStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	n, err := s.client.Del(ctx, s.runKey(runID)).Result()
	if err != nil {
		return false, &api.StoreError{Op: "delete", Err: err}
	}
	return n > 0, nil
}
