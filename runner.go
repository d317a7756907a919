package microflow

import (
	"context"
	"os"
	"strconv"

	"golang.org/x/sync/semaphore"

	"github.com/microflow/microflow/internal/scheduler"
)

// Environment variables read by NewRunner when the corresponding option
// is left zero.
const (
	EnvMaxConcurrentWorkflows = "MICROFLOW_MAX_CONCURRENT_WORKFLOWS"
	EnvMaxConcurrentTasks     = "MICROFLOW_MAX_CONCURRENT_TASKS"

	DefaultMaxConcurrentWorkflows = 8
	DefaultMaxConcurrentTasks     = 32
)

// RunnerOptions configures a Runner. Zero values fall back to the
// environment and then to the defaults; a negative limit disables that
// cap entirely (as does a zero or negative value in the environment).
type RunnerOptions struct {
	// MaxConcurrentWorkflows caps runs in flight through this Runner.
	MaxConcurrentWorkflows int

	// MaxConcurrentTasks caps task invocations across all runs.
	MaxConcurrentTasks int

	// Observer receives lifecycle events for every run.
	Observer Observer
}

// Runner is the process-wide gate in front of the scheduler. It owns two
// counting semaphores: one bounding concurrent runs, one bounding
// concurrent task executions across all runs. A task attempt takes its
// permit before writing its running record and loading its context
// snapshot, and gives it back when the task function returns; the permit
// is not held while the output is merged or a retry backoff sleeps.
type Runner struct {
	wfSem   *semaphore.Weighted
	taskSem *semaphore.Weighted
	obs     Observer
}

// NewRunner builds a Runner from opts, the environment, and defaults.
func NewRunner(opts RunnerOptions) *Runner {
	wfLimit := resolveLimit(opts.MaxConcurrentWorkflows, EnvMaxConcurrentWorkflows, DefaultMaxConcurrentWorkflows)
	taskLimit := resolveLimit(opts.MaxConcurrentTasks, EnvMaxConcurrentTasks, DefaultMaxConcurrentTasks)

	r := &Runner{obs: opts.Observer}
	if wfLimit > 0 {
		r.wfSem = semaphore.NewWeighted(int64(wfLimit))
	}
	if taskLimit > 0 {
		r.taskSem = semaphore.NewWeighted(int64(taskLimit))
	}
	return r
}

// resolveLimit picks the explicit option if set, else the environment,
// else the default. Negative results mean "no cap".
func resolveLimit(opt int, envKey string, def int) int {
	if opt != 0 {
		return opt
	}
	if raw := os.Getenv(envKey); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			if v <= 0 {
				return -1
			}
			return v
		}
	}
	return def
}

// Run executes wf under runID against store, honouring both caps. It
// blocks while the runner is at its workflow limit; cancellation of ctx
// while waiting returns ctx's error without touching any state.
//
// See Scheduler semantics for the returned values: task-level failures
// live in the returned Run, and the error return is reserved for
// pre-run configuration problems and an unusable store.
func (r *Runner) Run(ctx context.Context, wf *Workflow, runID string, store StateStore, initial Ctx) (*Run, error) {
	if r.wfSem != nil {
		if err := r.wfSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.wfSem.Release(1)
	}

	sched := &scheduler.Scheduler{
		Store:    store,
		TaskSem:  r.taskSem,
		Observer: r.obs,
	}
	return sched.Run(ctx, wf, runID, initial)
}
