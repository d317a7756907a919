package microflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/microflow/microflow/internal/persistence"
	"github.com/microflow/microflow/internal/queue"
	"github.com/microflow/microflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Ctx        = api.Context
	TaskFunc   = api.TaskFunc
	TaskSpec   = api.TaskSpec
	Workflow   = api.Workflow
	Run        = api.Run
	TaskRecord = api.TaskRecord
	RunSummary = api.RunSummary
	RunStatus  = api.RunStatus
	TaskStatus = api.TaskStatus
	StateStore = api.StateStore
	Queue      = api.Queue
	Message    = api.Message

	ConfigError        = api.ConfigError
	TaskError          = api.TaskError
	StoreError         = api.StoreError
	SerializationError = api.SerializationError

	Observer        = api.Observer
	NoopObserver    = api.NoopObserver
	LoggingObserver = api.LoggingObserver
	BasicMetrics    = api.BasicMetrics
)

// Re-export status values for convenience.

const (
	RunPending   = api.RunPending
	RunRunning   = api.RunRunning
	RunCompleted = api.RunCompleted
	RunFailed    = api.RunFailed
	RunCancelled = api.RunCancelled

	TaskPending   = api.TaskPending
	TaskRunning   = api.TaskRunning
	TaskSucceeded = api.TaskSucceeded
	TaskFailed    = api.TaskFailed
	TaskSkipped   = api.TaskSkipped
	TaskCancelled = api.TaskCancelled
)

// Re-export common constructors and helpers.

var (
	NewTask              = api.NewTask
	NewWorkflow          = api.NewWorkflow
	MergeContext         = api.MergeContext
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	ErrRunNotFound    = api.ErrRunNotFound
	ErrUnknownMessage = api.ErrUnknownMessage
)

// RunID generates a fresh run identifier with the given prefix.
func RunID(prefix string) string {
	if prefix == "" {
		prefix = "run"
	}
	return prefix + "_" + uuid.NewString()[:8]
}

// Store constructors
// These wrap the internal packages so external callers never import them.

// OpenJSONStore opens (creating if needed) a file-backed state store
// rooted at dir. One JSON document per run lives at dir/runs/<run_id>.json.
func OpenJSONStore(dir string) (StateStore, error) {
	return persistence.NewJSONStateStore(dir)
}

// NewMemoryStore returns a non-durable in-memory state store, useful for
// tests and throwaway runs.
func NewMemoryStore() StateStore {
	return persistence.NewMemoryStateStore()
}

// OpenSQLiteStore opens a state store on the given SQLite database.
// The caller imports the driver, e.g. modernc.org/sqlite.
func OpenSQLiteStore(db *sql.DB) (StateStore, error) {
	return persistence.NewSQLiteStateStore(db)
}

// OpenRedisStore opens a state store on the Redis instance at url
// (redis://host:port/db form).
func OpenRedisStore(url string) (StateStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return persistence.NewRedisStateStore(redis.NewClient(opts), ""), nil
}

// OpenRedisStoreWithClient wraps an existing client; prefix "" uses the
// default "microflow:" namespace.
func OpenRedisStoreWithClient(client *redis.Client, prefix string) StateStore {
	return persistence.NewRedisStateStore(client, prefix)
}

// Queue constructors

// NewMemoryQueue returns a process-local FIFO queue. Messages are lost on
// restart. visibility <= 0 uses the 30s default.
func NewMemoryQueue(visibility time.Duration) Queue {
	return queue.NewMemoryQueue(visibility)
}

// OpenRedisQueue returns a Redis-backed FIFO queue on the given client.
func OpenRedisQueue(client *redis.Client, prefix string, visibility time.Duration) Queue {
	return queue.NewRedisQueue(client, prefix, visibility)
}

// NewQueueFromEnv selects a queue from QUEUE_PROVIDER (memory or redis)
// and REDIS_URL.
func NewQueueFromEnv() (Queue, error) {
	return queue.FromEnv()
}

// Execute is a convenience for one-off runs through a fresh default
// Runner.
func Execute(ctx context.Context, wf *Workflow, runID string, store StateStore, initial Ctx) (*Run, error) {
	return NewRunner(RunnerOptions{}).Run(ctx, wf, runID, store, initial)
}
