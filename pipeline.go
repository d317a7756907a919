package microflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/microflow/microflow/pkg/worker"
)

// Pipeline bundles a state store, a queue, a Runner, and a Worker into a
// single-process setup for queue-driven workflow execution.
//
// Typical usage:
//
//	pipe := microflow.NewPipeline(store, queue, microflow.RunnerOptions{})
//	pipe.MustRegister(wf)
//
//	_ = pipe.StartWorkers(ctx, 2)
//	id, _ := pipe.EnqueueRun(ctx, wf.Name(), "", microflow.Ctx{"day": day})
//	...
//	pipe.Stop()
type Pipeline struct {
	Store  StateStore
	Queue  Queue
	Runner *Runner
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPipeline wires the pieces together. A nil queue gets an in-memory
// one with the default visibility timeout.
func NewPipeline(store StateStore, q Queue, opts RunnerOptions) *Pipeline {
	if q == nil {
		q = NewMemoryQueue(0)
	}
	runner := NewRunner(opts)
	return &Pipeline{
		Store:  store,
		Queue:  q,
		Runner: runner,
		Worker: worker.New(runner, store, q),
	}
}

// Register makes wf runnable by name through the pipeline's worker.
func (p *Pipeline) Register(wf *Workflow) error {
	return p.Worker.RegisterWorkflow(wf)
}

// MustRegister is like Register but panics on error. Useful in main().
func (p *Pipeline) MustRegister(wf *Workflow) {
	if err := p.Register(wf); err != nil {
		panic(err)
	}
}

// EnqueueRun publishes a run request for a registered workflow.
func (p *Pipeline) EnqueueRun(ctx context.Context, workflowName, runID string, initial Ctx) (string, error) {
	return p.Worker.EnqueueRun(ctx, workflowName, runID, initial)
}

// StartWorkers starts concurrency goroutines that process run requests
// until Stop is called or ctx is cancelled. Calling it again without Stop
// is an error.
func (p *Pipeline) StartWorkers(ctx context.Context, concurrency int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("microflow: pipeline already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer p.wg.Done()

			for {
				processed, err := p.Worker.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// A single bad message must not kill the loop.
					slog.Warn("microflow: pipeline worker error", "error", err)
					continue
				}
				if !processed {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}
			}
		}()
	}
	return nil
}

// Stop cancels the worker goroutines and waits for them to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
