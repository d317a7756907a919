package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/microflow/microflow/pkg/api"
)

// Payload keys of a run-request message.
const (
	keyWorkflow = "workflow"
	keyRunID    = "run_id"
	keyCtx      = "ctx"
)

// Runner is the subset of the root Runner the worker needs; keeping it an
// interface avoids an import cycle and lets tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, wf *api.Workflow, runID string, store api.StateStore, initial api.Context) (*api.Run, error)
}

// Config tunes a Worker.
type Config struct {
	// MaxAttempts dead-letters a message after this many deliveries.
	// Zero means 5.
	MaxAttempts int

	// BlockTimeout is how long ProcessOne waits for a message.
	// Zero means 1s.
	BlockTimeout time.Duration
}

// Worker pulls run requests from a Queue and executes them through a
// Runner, decoupling publishers from the processes that do the work.
//
// A run request is an ordinary queue message:
//
//	{"workflow": <registered name>, "run_id": <id>, "ctx": {...}}
//
// Successful runs ack the message; failures requeue it until MaxAttempts,
// then dead-letter it.
type Worker struct {
	runner Runner
	store  api.StateStore
	queue  api.Queue
	cfg    Config

	mu        sync.RWMutex
	workflows map[string]*api.Workflow
}

// New creates a Worker with default config.
func New(runner Runner, store api.StateStore, queue api.Queue) *Worker {
	return NewWithConfig(runner, store, queue, Config{})
}

// NewWithConfig creates a Worker with the given config.
func NewWithConfig(runner Runner, store api.StateStore, queue api.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}
	return &Worker{
		runner:    runner,
		store:     store,
		queue:     queue,
		cfg:       cfg,
		workflows: make(map[string]*api.Workflow),
	}
}

// RegisterWorkflow makes wf runnable by name through this worker.
func (w *Worker) RegisterWorkflow(wf *api.Workflow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.workflows[wf.Name()]; exists {
		return fmt.Errorf("workflow already registered: %s", wf.Name())
	}
	w.workflows[wf.Name()] = wf
	return nil
}

func (w *Worker) workflow(name string) (*api.Workflow, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	wf, ok := w.workflows[name]
	return wf, ok
}

// EnqueueRun publishes a run request. The run executes when a worker
// picks the message up; runID "" lets the consumer generate one.
func (w *Worker) EnqueueRun(ctx context.Context, workflowName, runID string, initial api.Context) (string, error) {
	return w.queue.Publish(ctx, api.Context{
		keyWorkflow: workflowName,
		keyRunID:    runID,
		keyCtx:      map[string]any(initial),
	})
}

// ProcessOne consumes and executes a single run request.
// Returns (processed, error):
//   - processed == false, err == nil: queue was empty within the block timeout
//   - processed == true: a message was handled; err reports what went wrong
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.queue.Consume(ctx, w.cfg.BlockTimeout)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	runErr := w.execute(ctx, msg)
	if runErr == nil {
		if err := w.queue.Ack(ctx, msg.ID); err != nil && !errors.Is(err, api.ErrUnknownMessage) {
			return true, err
		}
		return true, nil
	}

	requeue := msg.Attempts < w.cfg.MaxAttempts
	if err := w.queue.Nack(ctx, msg.ID, requeue); err != nil && !errors.Is(err, api.ErrUnknownMessage) {
		return true, err
	}
	return true, runErr
}

func (w *Worker) execute(ctx context.Context, msg *api.Message) error {
	name, _ := msg.Payload[keyWorkflow].(string)
	if name == "" {
		return errors.New("run request has no workflow name")
	}
	wf, ok := w.workflow(name)
	if !ok {
		return fmt.Errorf("unknown workflow: %s", name)
	}

	runID, _ := msg.Payload[keyRunID].(string)
	if runID == "" {
		// Derive a stable ID from the message so redeliveries reuse the
		// same run ID instead of forking a new run.
		runID = name + "_" + msg.ID
	}

	var initial api.Context
	if raw, ok := msg.Payload[keyCtx].(map[string]any); ok {
		initial = api.Context(raw)
	}

	run, err := w.runner.Run(ctx, wf, runID, w.store, initial)
	if err != nil {
		return err
	}
	if run.Status != api.RunCompleted {
		return fmt.Errorf("run %s finished %s: %s", run.RunID, run.Status, run.Reason)
	}
	return nil
}
