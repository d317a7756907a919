package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/microflow/microflow/pkg/api"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 60 * time.Second

// storeRetryDelays paces the scheduler's internal retries of failed
// store writes before escalating to run failure.
var storeRetryDelays = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

// Scheduler executes a single run of a workflow: it dispatches ready
// tasks in parallel, merges task outputs into the shared context through
// the store, applies retry policy, honours cancellation, and persists
// state after every task transition.
type Scheduler struct {
	// Store receives every state transition before any dependent action
	// is taken.
	Store api.StateStore

	// TaskSem, when non-nil, bounds concurrent task invocations. An
	// attempt acquires it before writing its running record and loading
	// its context snapshot, and releases it as soon as the task function
	// returns: it is held during that record write and snapshot load, and
	// not while the output is merged or a retry backoff sleeps. Shared
	// across runs by the Runner.
	TaskSem *semaphore.Weighted

	// Observer receives lifecycle events; nil means none.
	Observer api.Observer
}

// New returns a Scheduler writing through store.
func New(store api.StateStore) *Scheduler {
	return &Scheduler{Store: store}
}

// taskResult reports one finished task unit back to the dispatch loop.
type taskResult struct {
	name   string
	status api.TaskStatus
	err    error
}

// Run executes wf under runID. The returned *Run reflects the final
// persisted state; task-level failures are reported in it, never as a Go
// error. The error return is reserved for a rejected call
// (*api.ConfigError for an empty run ID, *api.SerializationError for an
// initial context that is not JSON-representable) and for an unusable
// store (*api.StoreError after internal retries) — and in the store case
// the run record is failed with ReasonStoreUnavailable first, as far as
// the store allows.
//
// Re-running a runID whose stored status is completed is a no-op: the
// stored run is returned and no task executes. Any other pre-existing
// state under the same runID is overwritten and recomputed from scratch.
//
// Cancellation of ctx stops dispatching, signals in-flight tasks, marks
// unfinished tasks, persists, and returns the run with status cancelled.
func (s *Scheduler) Run(ctx context.Context, wf *api.Workflow, runID string, initial api.Context) (*api.Run, error) {
	obs := s.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	if runID == "" {
		return nil, &api.ConfigError{Reason: api.ConfigBadOption, Detail: "run id must not be empty"}
	}

	if existing, err := s.Store.LoadRun(ctx, runID); err == nil && existing.Status == api.RunCompleted {
		return existing, nil
	} else if err != nil && !errors.Is(err, api.ErrRunNotFound) {
		return nil, err
	}

	run, err := api.NewRun(runID, wf, initial)
	if err != nil {
		return nil, err
	}
	run.Status = api.RunRunning
	if err := s.persist(ctx, func(c context.Context) error {
		return s.Store.SaveRun(c, run)
	}); err != nil {
		var serr *api.StoreError
		if errors.As(err, &serr) {
			return s.failForStore(ctx, run, obs, serr)
		}
		return run, err
	}
	obs.OnRunStart(ctx, run)

	indeg := wf.Indegrees()
	skipped := make(map[string]bool)

	var ready []string
	for _, name := range wf.TopoOrder() {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}

	results := make(chan taskResult)
	inFlight := 0
	cancelled := false
	var firstErr error

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
		}

		if !cancelled {
			for _, name := range ready {
				spec, _ := wf.Task(name)
				rec := run.Task(name)
				inFlight++
				go s.runTask(ctx, runID, spec, rec, results, obs)
			}
			ready = ready[:0]
		} else {
			ready = ready[:0]
		}

		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--

		var serr *api.StoreError
		if errors.As(res.err, &serr) {
			return s.failForStore(ctx, run, obs, serr)
		}

		switch res.status {
		case api.TaskSucceeded:
			for _, down := range wf.Downstream(res.name) {
				indeg[down]--
				if indeg[down] == 0 && !skipped[down] {
					ready = append(ready, down)
				}
			}
		case api.TaskFailed, api.TaskCancelled:
			if res.status == api.TaskFailed && firstErr == nil {
				firstErr = res.err
			}
			if err := s.skipDownstream(ctx, wf, run, res.name, skipped); err != nil {
				var serr *api.StoreError
				if errors.As(err, &serr) {
					return s.failForStore(ctx, run, obs, serr)
				}
				return run, err
			}
		}
	}

	if cancelled {
		if err := s.finishCancelled(ctx, wf, run); err != nil {
			var serr *api.StoreError
			if errors.As(err, &serr) {
				return s.failForStore(ctx, run, obs, serr)
			}
			return run, err
		}
		obs.OnRunCancelled(ctx, run)
		return run, nil
	}

	completed := true
	for _, rec := range run.Tasks {
		if rec.Status != api.TaskSucceeded {
			completed = false
			break
		}
	}

	if completed {
		run.Status = api.RunCompleted
	} else {
		run.Status = api.RunFailed
		if firstErr != nil {
			run.Reason = firstErr.Error()
		}
	}
	run.UpdatedAt = time.Now().UTC()

	// Refresh the final context from the store: merges were serialised
	// there, not in this loop's copy.
	if err := s.persist(ctx, func(c context.Context) error {
		stored, err := s.Store.LoadRun(c, runID)
		if err != nil {
			return err
		}
		run.Ctx = stored.Ctx
		return nil
	}); err != nil {
		var serr *api.StoreError
		if errors.As(err, &serr) {
			return s.failForStore(ctx, run, obs, serr)
		}
		return run, err
	}

	if err := s.persist(ctx, func(c context.Context) error {
		return s.Store.SaveRun(c, run)
	}); err != nil {
		return run, err
	}

	if completed {
		obs.OnRunCompleted(ctx, run)
	} else {
		obs.OnRunFailed(ctx, run, firstErr)
	}
	return run, nil
}

// skipDownstream marks the transitive downstream closure of name as
// skipped and persists each record. Skipped tasks are never dispatched.
func (s *Scheduler) skipDownstream(ctx context.Context, wf *api.Workflow, run *api.Run, name string, skipped map[string]bool) error {
	queue := wf.Downstream(name)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if skipped[current] {
			continue
		}
		rec := run.Task(current)
		if rec.Status != api.TaskPending {
			continue
		}
		skipped[current] = true
		rec.Status = api.TaskSkipped
		if err := s.persist(ctx, func(c context.Context) error {
			return s.Store.UpsertTask(c, run.RunID, rec)
		}); err != nil {
			return err
		}
		queue = append(queue, wf.Downstream(current)...)
	}
	return nil
}

// finishCancelled resolves every unfinished record after cancellation:
// tasks downstream of an unsuccessful upstream are skipped (they never
// had a chance), everything else still pending is cancelled.
func (s *Scheduler) finishCancelled(ctx context.Context, wf *api.Workflow, run *api.Run) error {
	succeeded := make(map[string]bool, len(run.Tasks))
	for _, rec := range run.Tasks {
		if rec.Status == api.TaskSucceeded {
			succeeded[rec.Name] = true
		}
	}

	for _, rec := range run.Tasks {
		if rec.Status != api.TaskPending {
			continue
		}
		// A pending task at this point either never reached the front of
		// the ready set (deps met: cancelled) or was waiting on an
		// upstream that will now never succeed (skipped).
		depsMet := true
		if spec, ok := wf.Task(rec.Name); ok {
			for dep := range spec.Deps {
				if !succeeded[dep] {
					depsMet = false
					break
				}
			}
		}
		if depsMet {
			rec.Status = api.TaskCancelled
		} else {
			rec.Status = api.TaskSkipped
		}
		if err := s.persist(ctx, func(c context.Context) error {
			return s.Store.UpsertTask(c, run.RunID, rec)
		}); err != nil {
			return err
		}
	}

	// The loop's copy of the context is stale; merges live in the store.
	if err := s.persist(ctx, func(c context.Context) error {
		stored, err := s.Store.LoadRun(c, run.RunID)
		if err != nil {
			return err
		}
		run.Ctx = stored.Ctx
		return nil
	}); err != nil {
		return err
	}

	run.Status = api.RunCancelled
	run.UpdatedAt = time.Now().UTC()
	return s.persist(ctx, func(c context.Context) error {
		return s.Store.SaveRun(c, run)
	})
}

// failForStore transitions the run to failed(store_unavailable) as a
// best effort and surfaces the store error to the caller.
func (s *Scheduler) failForStore(ctx context.Context, run *api.Run, obs api.Observer, serr *api.StoreError) (*api.Run, error) {
	run.Status = api.RunFailed
	run.Reason = api.ReasonStoreUnavailable
	run.UpdatedAt = time.Now().UTC()
	_ = s.Store.SaveRun(ctx, run)
	obs.OnRunFailed(ctx, run, serr)
	return run, serr
}

// runTask drives one task to a terminal status, owning rec until its
// result is sent.
func (s *Scheduler) runTask(ctx context.Context, runID string, spec *api.TaskSpec, rec *api.TaskRecord, results chan<- taskResult, obs api.Observer) {
	totalAttempts := spec.MaxRetries + 1

	for attempt := 1; attempt <= totalAttempts; attempt++ {
		if s.TaskSem != nil {
			if err := s.TaskSem.Acquire(ctx, 1); err != nil {
				s.finishTask(ctx, runID, rec, api.TaskCancelled, &api.TaskError{
					Kind: api.TaskErrCancelled, Task: spec.Name, Attempt: attempt, Err: err,
				}, results)
				return
			}
		}

		now := time.Now().UTC()
		rec.Status = api.TaskRunning
		rec.Attempts = attempt
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
		if err := s.persist(ctx, func(c context.Context) error {
			return s.Store.UpsertTask(c, runID, rec)
		}); err != nil {
			s.releaseTaskPermit()
			results <- taskResult{name: spec.Name, status: api.TaskFailed, err: err}
			return
		}

		snapshot, err := s.snapshotCtx(ctx, runID)
		if err != nil {
			s.releaseTaskPermit()
			results <- taskResult{name: spec.Name, status: api.TaskFailed, err: err}
			return
		}

		obs.OnTaskStart(ctx, runID, spec.Name, attempt)
		started := time.Now()
		out, taskErr := s.invoke(ctx, spec, attempt, snapshot)
		duration := time.Since(started)
		s.releaseTaskPermit()

		if taskErr == nil {
			if err := api.CheckSerializable(out); err != nil {
				taskErr = &api.TaskError{Kind: api.TaskErrSerialization, Task: spec.Name, Attempt: attempt, Err: err}
			}
		}

		if taskErr == nil {
			if len(out) > 0 {
				if _, err := s.updateCtxPersist(ctx, runID, out); err != nil {
					results <- taskResult{name: spec.Name, status: api.TaskFailed, err: err}
					return
				}
			}
			ended := time.Now().UTC()
			rec.Status = api.TaskSucceeded
			rec.EndedAt = &ended
			rec.Output = out
			rec.Error = nil
			if err := s.persist(ctx, func(c context.Context) error {
				return s.Store.UpsertTask(c, runID, rec)
			}); err != nil {
				results <- taskResult{name: spec.Name, status: api.TaskFailed, err: err}
				return
			}
			obs.OnTaskCompleted(ctx, runID, spec.Name, attempt, nil, duration)
			results <- taskResult{name: spec.Name, status: api.TaskSucceeded}
			return
		}

		obs.OnTaskCompleted(ctx, runID, spec.Name, attempt, taskErr, duration)

		if taskErr.Kind == api.TaskErrCancelled {
			s.finishTask(ctx, runID, rec, api.TaskCancelled, taskErr, results)
			return
		}
		if !taskErr.Retryable() || attempt == totalAttempts {
			s.finishTask(ctx, runID, rec, api.TaskFailed, taskErr, results)
			return
		}

		// Retry scheduled: record the failed attempt before sleeping so
		// the store always reflects the latest transition.
		rec.Error = &api.ErrorInfo{Kind: string(taskErr.Kind), Message: taskErr.Err.Error()}
		if err := s.persist(ctx, func(c context.Context) error {
			return s.Store.UpsertTask(c, runID, rec)
		}); err != nil {
			results <- taskResult{name: spec.Name, status: api.TaskFailed, err: err}
			return
		}

		delay := backoffDelay(spec.Backoff, attempt)
		obs.OnTaskRetry(ctx, runID, spec.Name, attempt, delay)
		if delay > 0 {
			select {
			case <-ctx.Done():
				s.finishTask(ctx, runID, rec, api.TaskCancelled, &api.TaskError{
					Kind: api.TaskErrCancelled, Task: spec.Name, Attempt: attempt, Err: ctx.Err(),
				}, results)
				return
			case <-time.After(delay):
			}
		}
	}
}

// finishTask persists a terminal record and reports the result.
func (s *Scheduler) finishTask(ctx context.Context, runID string, rec *api.TaskRecord, status api.TaskStatus, taskErr *api.TaskError, results chan<- taskResult) {
	rec.Status = status
	if rec.StartedAt != nil {
		ended := time.Now().UTC()
		rec.EndedAt = &ended
	}
	rec.Error = &api.ErrorInfo{Kind: string(taskErr.Kind), Message: taskErr.Err.Error()}

	reported := error(taskErr)
	if err := s.persist(ctx, func(c context.Context) error {
		return s.Store.UpsertTask(c, runID, rec)
	}); err != nil {
		reported = err
	}
	results <- taskResult{name: rec.Name, status: status, err: reported}
}

// invoke runs one attempt of the task function under its per-attempt
// timeout, converting panics and classifying failures.
//
// If the function ignores its deadline, the attempt is abandoned and
// counted as failed while the orphaned call keeps running until it
// returns on its own; its result is discarded.
func (s *Scheduler) invoke(ctx context.Context, spec *api.TaskSpec, attempt int, snapshot api.Context) (api.Context, *api.TaskError) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	type outcome struct {
		out api.Context
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		out, err := spec.Fn(attemptCtx, snapshot)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res = outcome{err: attemptCtx.Err()}
	}

	if res.err == nil {
		return res.out, nil
	}

	kind := api.TaskErrUser
	switch {
	case ctx.Err() != nil:
		kind = api.TaskErrCancelled
	case errors.Is(res.err, context.DeadlineExceeded) && attemptCtx.Err() != nil:
		kind = api.TaskErrTimeout
	}
	return nil, &api.TaskError{Kind: kind, Task: spec.Name, Attempt: attempt, Err: res.err}
}

// snapshotCtx loads the current run context and hands back a defensive
// copy for the task function.
func (s *Scheduler) snapshotCtx(ctx context.Context, runID string) (api.Context, error) {
	var snapshot api.Context
	err := s.persist(ctx, func(c context.Context) error {
		run, err := s.Store.LoadRun(c, runID)
		if err != nil {
			return err
		}
		snapshot, err = api.CloneContext(run.Ctx)
		return err
	})
	return snapshot, err
}

// updateCtxPersist merges a task output into the run context through the
// store's atomic RMW, with the scheduler's write-retry discipline.
func (s *Scheduler) updateCtxPersist(ctx context.Context, runID string, delta api.Context) (api.Context, error) {
	var merged api.Context
	err := s.persist(ctx, func(c context.Context) error {
		var err error
		merged, err = s.Store.UpdateCtx(c, runID, delta)
		return err
	})
	return merged, err
}

func (s *Scheduler) releaseTaskPermit() {
	if s.TaskSem != nil {
		s.TaskSem.Release(1)
	}
}

// persist runs a store operation, retrying transient failures with brief
// backoff before giving up. ErrRunNotFound and serialization problems are
// not retried; everything else gets storeRetryDelays attempts beyond the
// first.
func (s *Scheduler) persist(ctx context.Context, op func(context.Context) error) error {
	var err error
	for i := 0; ; i++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, api.ErrRunNotFound) {
			return err
		}
		var serErr *api.SerializationError
		if errors.As(err, &serErr) {
			return err
		}
		if i == len(storeRetryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			// Keep trying without pacing: cancellation must still be
			// able to persist final state through a flaky store.
		case <-time.After(storeRetryDelays[i]):
		}
	}
	var serr *api.StoreError
	if errors.As(err, &serr) {
		return err
	}
	return &api.StoreError{Op: "write", Err: err}
}

// backoffDelay computes the exponential retry delay after the given
// failed attempt: base * 2^(attempt-1), capped at 60s.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
