package api

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// TaskStatus is the lifecycle state of one task within a run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	// TaskSkipped marks a task that never ran because an upstream task
	// terminally failed. It distinguishes "this task broke" from "this
	// task did not get a chance".
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// ErrorInfo is the persisted form of a task failure: a kind from the
// closed taxonomy plus the original message.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TaskRecord is the per-run execution record of one task.
type TaskRecord struct {
	Name      string     `json:"name"`
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	StartedAt *time.Time `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`

	// Output is what the task returned, pre-merge.
	Output Context `json:"output"`

	Error *ErrorInfo `json:"error"`
}

// Run is the durable record of a single workflow invocation: metadata,
// the shared context, and one record per task in workflow order.
type Run struct {
	RunID     string        `json:"run_id"`
	Status    RunStatus     `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Ctx       Context       `json:"ctx"`
	Tasks     []*TaskRecord `json:"tasks"`

	// Reason summarises why a failed run failed: the first terminal task
	// error, or ReasonStoreUnavailable.
	Reason string `json:"reason,omitempty"`
}

// RunSummary is the listing form of a run.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun builds the initial run record for a workflow: status pending,
// every task pending, the context set to a copy of initial.
func NewRun(runID string, wf *Workflow, initial Context) (*Run, error) {
	ctx, err := CloneContext(initial)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tasks := make([]*TaskRecord, 0, wf.Len())
	for _, spec := range wf.Tasks() {
		tasks = append(tasks, &TaskRecord{
			Name:   spec.Name,
			Status: TaskPending,
		})
	}

	return &Run{
		RunID:     runID,
		Status:    RunPending,
		CreatedAt: now,
		UpdatedAt: now,
		Ctx:       ctx,
		Tasks:     tasks,
	}, nil
}

// Task returns the record with the given name, or nil.
func (r *Run) Task(name string) *TaskRecord {
	for _, rec := range r.Tasks {
		if rec.Name == name {
			return rec
		}
	}
	return nil
}

// Summary returns the listing form of the run.
func (r *Run) Summary() RunSummary {
	return RunSummary{
		RunID:     r.RunID,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Terminal reports whether the run reached a final status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Clone returns a copy of the run with its own context map, task slice
// and task records; values nested inside the context are shared with the
// original. Stores hand out clones so callers cannot alias the store's
// top-level run state.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Ctx = make(Context, len(r.Ctx))
	for k, v := range r.Ctx {
		cp.Ctx[k] = v
	}
	cp.Tasks = make([]*TaskRecord, 0, len(r.Tasks))
	for _, rec := range r.Tasks {
		cp.Tasks = append(cp.Tasks, rec.Clone())
	}
	return &cp
}

// Clone returns a copy of the task record with its own timestamps, output
// map and error info; values nested inside the output are shared.
func (t *TaskRecord) Clone() *TaskRecord {
	cp := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.EndedAt != nil {
		ended := *t.EndedAt
		cp.EndedAt = &ended
	}
	if t.Output != nil {
		cp.Output = make(Context, len(t.Output))
		for k, v := range t.Output {
			cp.Output[k] = v
		}
	}
	if t.Error != nil {
		errInfo := *t.Error
		cp.Error = &errInfo
	}
	return &cp
}
