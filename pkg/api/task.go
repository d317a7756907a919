package api

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// TaskFunc is the callable behind a task. It receives a defensive copy of
// the run context; mutations of the snapshot are never observable by
// other tasks. The returned mapping is merged into the run context with
// last-writer-wins semantics (see MergeContext). Returning nil means the
// task produced no context delta.
//
// The context carries the per-attempt deadline and the run's cancellation
// signal; well-behaved tasks return promptly when it is done.
type TaskFunc func(ctx context.Context, snapshot Context) (Context, error)

// TaskSpec is the immutable declaration of one task: identity, callable,
// retry/backoff/timeout policy, advisory metadata, and dependency edges.
//
// A spec is built with NewTask and the chainable With* setters, then
// frozen by handing it to NewWorkflow. Dependency edges are intrinsic to
// the spec (they model the author's intent), so the same spec keeps its
// edges when used in multiple workflows.
type TaskSpec struct {
	// Name identifies the task; unique within a workflow.
	Name string

	// Fn is invoked with a snapshot of the run context.
	Fn TaskFunc

	// MaxRetries is the number of retries after the first attempt;
	// total attempts = MaxRetries + 1.
	MaxRetries int

	// Backoff is the base delay for exponential backoff: attempt N waits
	// Backoff * 2^(N-1), capped at 60 seconds.
	Backoff time.Duration

	// Timeout caps the wall-clock duration of a single attempt.
	// Zero means no per-attempt timeout.
	Timeout time.Duration

	// Tags are advisory labels.
	Tags []string

	// Description is advisory documentation.
	Description string

	// Deps holds the names of upstream tasks that must succeed before
	// this task is dispatched.
	Deps map[string]struct{}
}

// NewTask declares a task. It panics on an empty name or nil function;
// those are programmer errors, caught at declaration site. Option ranges
// are validated later by NewWorkflow.
func NewTask(name string, fn TaskFunc) *TaskSpec {
	if name == "" {
		panic("microflow: task name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("microflow: task %q has nil function", name))
	}
	return &TaskSpec{
		Name: name,
		Fn:   fn,
		Deps: make(map[string]struct{}),
	}
}

// WithRetries sets the number of retries after the first attempt.
func (t *TaskSpec) WithRetries(n int) *TaskSpec {
	t.MaxRetries = n
	return t
}

// WithBackoff sets the base delay for exponential retry backoff.
func (t *TaskSpec) WithBackoff(d time.Duration) *TaskSpec {
	t.Backoff = d
	return t
}

// WithTimeout sets the per-attempt wall-clock cap.
func (t *TaskSpec) WithTimeout(d time.Duration) *TaskSpec {
	t.Timeout = d
	return t
}

// WithTags adds advisory tags.
func (t *TaskSpec) WithTags(tags ...string) *TaskSpec {
	t.Tags = append(t.Tags, tags...)
	return t
}

// WithDescription sets the advisory description.
func (t *TaskSpec) WithDescription(desc string) *TaskSpec {
	t.Description = desc
	return t
}

// After declares upstream dependencies by spec. It is the inverse
// direction of Then and returns the receiver for chaining.
func (t *TaskSpec) After(upstream ...*TaskSpec) *TaskSpec {
	for _, up := range upstream {
		t.Deps[up.Name] = struct{}{}
	}
	return t
}

// Then adds a dependency edge "downstream depends on the receiver" and
// returns downstream, so chains compose:
//
//	extract.Then(transform).Then(load)
//
// gives transform a dep on extract and load a dep on transform.
func (t *TaskSpec) Then(downstream *TaskSpec) *TaskSpec {
	downstream.Deps[t.Name] = struct{}{}
	return downstream
}

// DepNames returns the dependency names in sorted order.
func (t *TaskSpec) DepNames() []string {
	names := make([]string, 0, len(t.Deps))
	for name := range t.Deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validate checks option ranges. Name and Fn are enforced by NewTask, but
// specs constructed literally go through here too.
func (t *TaskSpec) validate() error {
	if t.Name == "" || t.Fn == nil {
		return &ConfigError{Reason: ConfigBadOption, Detail: "task needs a name and a function"}
	}
	if t.MaxRetries < 0 {
		return &ConfigError{Reason: ConfigBadOption, Involved: []string{t.Name}, Detail: "max retries must be >= 0"}
	}
	if t.Backoff < 0 {
		return &ConfigError{Reason: ConfigBadOption, Involved: []string{t.Name}, Detail: "backoff must be >= 0"}
	}
	if t.Timeout < 0 {
		return &ConfigError{Reason: ConfigBadOption, Involved: []string{t.Name}, Detail: "timeout must be >= 0"}
	}
	return nil
}
