package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/microflow/microflow/internal/persistence"
	"github.com/microflow/microflow/pkg/api"
)

// num normalises ints and JSON float64s so assertions work against any
// store implementation.
func num(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return -1
}

func mustWorkflow(t *testing.T, name string, specs ...*api.TaskSpec) *api.Workflow {
	t.Helper()
	wf, err := api.NewWorkflow(name, specs...)
	if err != nil {
		t.Fatalf("NewWorkflow failed: %v", err)
	}
	return wf
}

func runWorkflow(t *testing.T, wf *api.Workflow, runID string, initial api.Context) (*api.Run, api.StateStore) {
	t.Helper()
	store := persistence.NewMemoryStateStore()
	sched := New(store)
	run, err := sched.Run(context.Background(), wf, runID, initial)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return run, store
}

func TestRun_LinearPipeline(t *testing.T) {
	a := api.NewTask("A", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"x": 1}, nil
	})
	b := api.NewTask("B", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"y": num(c["x"]) + 1}, nil
	})
	cTask := api.NewTask("C", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"z": num(c["y"]) * 10}, nil
	})
	a.Then(b).Then(cTask)

	run, _ := runWorkflow(t, mustWorkflow(t, "linear", a, b, cTask), "s1", nil)

	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Reason)
	}
	if num(run.Ctx["x"]) != 1 || num(run.Ctx["y"]) != 2 || num(run.Ctx["z"]) != 20 {
		t.Fatalf("unexpected final context: %v", run.Ctx)
	}
	for _, name := range []string{"A", "B", "C"} {
		rec := run.Task(name)
		if rec.Status != api.TaskSucceeded || rec.Attempts != 1 {
			t.Fatalf("task %s: %+v", name, rec)
		}
	}
}

func TestRun_Diamond(t *testing.T) {
	a := api.NewTask("A", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"v": 10}, nil
	})
	b := api.NewTask("B", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"b": num(c["v"]) * 2}, nil
	})
	cTask := api.NewTask("C", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"c": num(c["v"]) + 5}, nil
	})
	d := api.NewTask("D", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"sum": num(c["b"]) + num(c["c"])}, nil
	})
	a.Then(b)
	a.Then(cTask)
	d.After(b, cTask)

	run, _ := runWorkflow(t, mustWorkflow(t, "diamond", a, b, cTask, d), "s2", nil)

	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Reason)
	}
	if num(run.Ctx["sum"]) != 35 {
		t.Fatalf("expected sum=35, got %v", run.Ctx["sum"])
	}

	// Dependency ordering: for every edge u -> v, u ended before v started.
	edges := [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}}
	for _, edge := range edges {
		up, down := run.Task(edge[0]), run.Task(edge[1])
		if up.EndedAt == nil || down.StartedAt == nil {
			t.Fatalf("missing timestamps on edge %v", edge)
		}
		if up.EndedAt.After(*down.StartedAt) {
			t.Fatalf("edge %v violated: %v > %v", edge, up.EndedAt, down.StartedAt)
		}
	}
}

func TestRun_SiblingsOverlap(t *testing.T) {
	gate := make(chan struct{})
	var arrivals atomic.Int32

	sibling := func(name string) *api.TaskSpec {
		return api.NewTask(name, func(ctx context.Context, c api.Context) (api.Context, error) {
			// Both siblings must be in flight at once to pass the gate.
			if arrivals.Add(1) == 2 {
				close(gate)
			}
			select {
			case <-gate:
				return nil, nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("sibling never arrived; tasks did not overlap")
			}
		})
	}

	run, _ := runWorkflow(t, mustWorkflow(t, "siblings", sibling("B"), sibling("C")), "overlap", nil)
	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Reason)
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	r := api.NewTask("R", func(ctx context.Context, c api.Context) (api.Context, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return api.Context{"ok": true}, nil
	}).WithRetries(2).WithBackoff(50 * time.Millisecond)

	start := time.Now()
	run, _ := runWorkflow(t, mustWorkflow(t, "retry", r), "s3", nil)
	elapsed := time.Since(start)

	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Reason)
	}
	rec := run.Task("R")
	if rec.Attempts != 3 || rec.Status != api.TaskSucceeded {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if run.Ctx["ok"] != true {
		t.Fatalf("unexpected context: %v", run.Ctx)
	}
	// Two backoffs: 50ms then 100ms.
	if elapsed < 150*time.Millisecond {
		t.Fatalf("backoff not applied: elapsed %v", elapsed)
	}
}

func TestRun_RetryBackoffDoubles(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time

	f := api.NewTask("F", func(ctx context.Context, c api.Context) (api.Context, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, errors.New("always fails")
	}).WithRetries(3).WithBackoff(40 * time.Millisecond)

	run, _ := runWorkflow(t, mustWorkflow(t, "backoff", f), "s5-backoff", nil)

	if run.Status != api.RunFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	rec := run.Task("F")
	if rec.Attempts != 4 || rec.Status != api.TaskFailed {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Error == nil || rec.Error.Kind != string(api.TaskErrUser) {
		t.Fatalf("unexpected error info: %+v", rec.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(starts))
	}
	// Gaps double: >= 40ms, 80ms, 160ms (store writes add slack on top).
	wantGaps := []time.Duration{40 * time.Millisecond, 80 * time.Millisecond, 160 * time.Millisecond}
	for i, want := range wantGaps {
		gap := starts[i+1].Sub(starts[i])
		if gap < want {
			t.Fatalf("gap %d: expected >= %v, got %v", i, want, gap)
		}
	}
}

func TestRun_FatalMidDAGSkipsDownstream(t *testing.T) {
	a := api.NewTask("A", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"a": true}, nil
	})
	b := api.NewTask("B", func(ctx context.Context, c api.Context) (api.Context, error) {
		return nil, errors.New("broken")
	}).WithRetries(1)
	cTask := api.NewTask("C", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"c": true}, nil
	})
	a.Then(b).Then(cTask)

	run, store := runWorkflow(t, mustWorkflow(t, "fatal", a, b, cTask), "s4", nil)

	if run.Status != api.RunFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if run.Reason == "" {
		t.Fatal("expected a failure reason")
	}
	if rec := run.Task("A"); rec.Status != api.TaskSucceeded {
		t.Fatalf("A: %+v", rec)
	}
	if rec := run.Task("B"); rec.Status != api.TaskFailed || rec.Attempts != 2 {
		t.Fatalf("B: %+v", rec)
	}
	rec := run.Task("C")
	if rec.Status != api.TaskSkipped {
		t.Fatalf("C should be skipped: %+v", rec)
	}
	if rec.StartedAt != nil {
		t.Fatalf("skipped task must never start: %+v", rec)
	}

	// The terminal state is persisted, not just returned.
	stored, err := store.LoadRun(context.Background(), "s4")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if stored.Status != api.RunFailed || stored.Task("C").Status != api.TaskSkipped {
		t.Fatalf("persisted state mismatch: %+v", stored)
	}
}

func TestRun_TransitiveSkip(t *testing.T) {
	a := api.NewTask("A", func(ctx context.Context, c api.Context) (api.Context, error) {
		return nil, errors.New("root failure")
	})
	b := api.NewTask("B", func(ctx context.Context, c api.Context) (api.Context, error) { return nil, nil })
	cTask := api.NewTask("C", func(ctx context.Context, c api.Context) (api.Context, error) { return nil, nil })
	d := api.NewTask("D", func(ctx context.Context, c api.Context) (api.Context, error) { return nil, nil })
	a.Then(b).Then(d)
	a.Then(cTask)

	run, _ := runWorkflow(t, mustWorkflow(t, "transitive", a, b, cTask, d), "skip-chain", nil)

	for _, name := range []string{"B", "C", "D"} {
		rec := run.Task(name)
		if rec.Status != api.TaskSkipped {
			t.Fatalf("%s should be skipped, got %s", name, rec.Status)
		}
		if rec.StartedAt != nil {
			t.Fatalf("%s skipped but started", name)
		}
	}
}

func TestRun_Cancellation(t *testing.T) {
	a := api.NewTask("A", func(ctx context.Context, c api.Context) (api.Context, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return nil, nil
		}
	})
	b := api.NewTask("B", func(ctx context.Context, c api.Context) (api.Context, error) { return nil, nil })
	a.Then(b)

	store := persistence.NewMemoryStateStore()
	sched := New(store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	run, err := sched.Run(ctx, mustWorkflow(t, "cancel", a, b), "s5", nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation did not interrupt the sleep: %v", elapsed)
	}

	if run.Status != api.RunCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}
	if rec := run.Task("A"); rec.Status != api.TaskCancelled {
		t.Fatalf("A: %+v", rec)
	}
	if rec := run.Task("B"); rec.Status != api.TaskSkipped {
		t.Fatalf("B: %+v", rec)
	}

	stored, err := store.LoadRun(context.Background(), "s5")
	if err != nil {
		t.Fatalf("final state not persisted: %v", err)
	}
	if stored.Status != api.RunCancelled {
		t.Fatalf("persisted status %s", stored.Status)
	}
}

// Property 4: concurrent merges are serialised by the store. Same-key
// writes resolve to exactly one writer's value; unique keys never get
// lost.
func TestRun_ParallelMergeSerialisation(t *testing.T) {
	const parallel = 8

	specs := make([]*api.TaskSpec, 0, parallel)
	for i := 0; i < parallel; i++ {
		i := i
		specs = append(specs, api.NewTask(fmt.Sprintf("T%d", i), func(ctx context.Context, c api.Context) (api.Context, error) {
			return api.Context{
				"count":                  i,
				fmt.Sprintf("seen_%d", i): true,
			}, nil
		}))
	}

	run, _ := runWorkflow(t, mustWorkflow(t, "parallel-merge", specs...), "merge", nil)

	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}

	count := num(run.Ctx["count"])
	if count < 0 || count >= parallel {
		t.Fatalf("count is not one of the written values: %v", run.Ctx["count"])
	}
	for i := 0; i < parallel; i++ {
		if run.Ctx[fmt.Sprintf("seen_%d", i)] != true {
			t.Fatalf("lost write from task %d: %v", i, run.Ctx)
		}
	}
}

// Property 7: re-running a completed run_id is a no-op.
func TestRun_ReplayCompletedIsNoop(t *testing.T) {
	var executions atomic.Int32
	a := api.NewTask("A", func(ctx context.Context, c api.Context) (api.Context, error) {
		executions.Add(1)
		return api.Context{"x": 1}, nil
	})

	store := persistence.NewMemoryStateStore()
	sched := New(store)
	wf := mustWorkflow(t, "replay", a)

	first, err := sched.Run(context.Background(), wf, "replay-1", nil)
	if err != nil || first.Status != api.RunCompleted {
		t.Fatalf("first run: %v %v", first, err)
	}

	second, err := sched.Run(context.Background(), wf, "replay-1", nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if second.Status != api.RunCompleted {
		t.Fatalf("replay status: %s", second.Status)
	}
	if executions.Load() != 1 {
		t.Fatalf("succeeded task re-executed on replay: %d", executions.Load())
	}
}

func TestRun_TimeoutAttemptsAreRetriedThenFail(t *testing.T) {
	var attempts atomic.Int32
	slow := api.NewTask("slow", func(ctx context.Context, c api.Context) (api.Context, error) {
		attempts.Add(1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return nil, nil
		}
	}).WithTimeout(30 * time.Millisecond).WithRetries(1)

	run, _ := runWorkflow(t, mustWorkflow(t, "timeout", slow), "timeout-1", nil)

	if run.Status != api.RunFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	rec := run.Task("slow")
	if rec.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", rec.Attempts)
	}
	if rec.Error == nil || rec.Error.Kind != string(api.TaskErrTimeout) {
		t.Fatalf("expected timeout kind, got %+v", rec.Error)
	}
	if attempts.Load() != 2 {
		t.Fatalf("fn invoked %d times", attempts.Load())
	}
}

func TestRun_TimeoutIgnoringTaskIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stubborn := api.NewTask("stubborn", func(ctx context.Context, c api.Context) (api.Context, error) {
		// Ignores ctx entirely.
		<-release
		return api.Context{"late": true}, nil
	}).WithTimeout(30 * time.Millisecond)

	start := time.Now()
	run, _ := runWorkflow(t, mustWorkflow(t, "stubborn", stubborn), "orphan-1", nil)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("scheduler waited for the orphan: %v", elapsed)
	}
	if run.Status != api.RunFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if _, ok := run.Ctx["late"]; ok {
		t.Fatal("abandoned attempt's result leaked into the context")
	}
}

func TestRun_SerializationFailureIsTerminal(t *testing.T) {
	var attempts atomic.Int32
	bad := api.NewTask("bad", func(ctx context.Context, c api.Context) (api.Context, error) {
		attempts.Add(1)
		return api.Context{"ch": make(chan int)}, nil
	}).WithRetries(3)

	run, _ := runWorkflow(t, mustWorkflow(t, "ser", bad), "ser-1", nil)

	if run.Status != api.RunFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	rec := run.Task("bad")
	if rec.Status != api.TaskFailed || rec.Error == nil || rec.Error.Kind != string(api.TaskErrSerialization) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if attempts.Load() != 1 {
		t.Fatalf("serialization failures must not be retried: %d attempts", attempts.Load())
	}
}

func TestRun_PanicBecomesUserError(t *testing.T) {
	boom := api.NewTask("boom", func(ctx context.Context, c api.Context) (api.Context, error) {
		panic("kaboom")
	})

	run, _ := runWorkflow(t, mustWorkflow(t, "panic", boom), "panic-1", nil)

	if run.Status != api.RunFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	rec := run.Task("boom")
	if rec.Error == nil || rec.Error.Kind != string(api.TaskErrUser) {
		t.Fatalf("unexpected error info: %+v", rec.Error)
	}
}

func TestRun_SnapshotMutationIsNotObservable(t *testing.T) {
	a := api.NewTask("A", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"shared": map[string]any{"n": 1.0}}, nil
	})
	b := api.NewTask("B", func(ctx context.Context, c api.Context) (api.Context, error) {
		// Mutating the snapshot must not leak: only the returned delta
		// may change the context.
		c["shared"].(map[string]any)["n"] = 99.0
		c["sneaky"] = true
		return nil, nil
	})
	cTask := api.NewTask("C", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"observed": c["shared"].(map[string]any)["n"]}, nil
	})
	a.Then(b).Then(cTask)

	run, _ := runWorkflow(t, mustWorkflow(t, "isolation", a, b, cTask), "iso-1", nil)

	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Reason)
	}
	if num(run.Ctx["observed"]) != 1 {
		t.Fatalf("snapshot mutation leaked: %v", run.Ctx["observed"])
	}
	if _, ok := run.Ctx["sneaky"]; ok {
		t.Fatal("added key leaked into the context")
	}
}

func TestRun_EmptyRunIDRejected(t *testing.T) {
	a := api.NewTask("A", func(ctx context.Context, c api.Context) (api.Context, error) { return nil, nil })
	sched := New(persistence.NewMemoryStateStore())

	_, err := sched.Run(context.Background(), mustWorkflow(t, "noid", a), "", nil)
	var cfgErr *api.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

// failingStore rejects every operation, driving the store-retry path.
type failingStore struct{}

func (failingStore) LoadRun(ctx context.Context, runID string) (*api.Run, error) {
	return nil, api.ErrRunNotFound
}
func (failingStore) SaveRun(ctx context.Context, run *api.Run) error {
	return &api.StoreError{Op: "save", Err: errors.New("disk on fire")}
}
func (failingStore) UpdateCtx(ctx context.Context, runID string, delta api.Context) (api.Context, error) {
	return nil, &api.StoreError{Op: "update", Err: errors.New("disk on fire")}
}
func (failingStore) UpsertTask(ctx context.Context, runID string, rec *api.TaskRecord) error {
	return &api.StoreError{Op: "upsert", Err: errors.New("disk on fire")}
}
func (failingStore) ListRuns(ctx context.Context) ([]api.RunSummary, error) {
	return nil, &api.StoreError{Op: "list", Err: errors.New("disk on fire")}
}
func (failingStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	return false, &api.StoreError{Op: "delete", Err: errors.New("disk on fire")}
}

func TestRun_StoreFailureEscalates(t *testing.T) {
	a := api.NewTask("A", func(ctx context.Context, c api.Context) (api.Context, error) { return nil, nil })
	sched := New(failingStore{})

	run, err := sched.Run(context.Background(), mustWorkflow(t, "badstore", a), "store-1", nil)

	var serr *api.StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StoreError, got %v", err)
	}
	if run.Status != api.RunFailed || run.Reason != api.ReasonStoreUnavailable {
		t.Fatalf("expected failed(store_unavailable), got %s (%s)", run.Status, run.Reason)
	}
}

func TestRun_EndToEndAgainstJSONStore(t *testing.T) {
	a := api.NewTask("A", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"x": 1}, nil
	})
	b := api.NewTask("B", func(ctx context.Context, c api.Context) (api.Context, error) {
		return api.Context{"y": num(c["x"]) + 1}, nil
	})
	a.Then(b)

	store, err := persistence.NewJSONStateStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONStateStore failed: %v", err)
	}
	sched := New(store)

	run, err := sched.Run(context.Background(), mustWorkflow(t, "json-e2e", a, b), "json-1", api.Context{"seed": true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Status != api.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Reason)
	}

	stored, err := store.LoadRun(context.Background(), "json-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if stored.Status != api.RunCompleted || num(stored.Ctx["y"]) != 2 || stored.Ctx["seed"] != true {
		t.Fatalf("persisted run mismatch: %+v", stored)
	}
}
