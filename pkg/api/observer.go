package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks for run and task lifecycle events, for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay the scheduler. Task-level
// callbacks may fire concurrently from parallel task executions.
type Observer interface {
	// OnRunStart is called once after the initial run record is written,
	// before any task is dispatched.
	OnRunStart(ctx context.Context, run *Run)

	// OnRunCompleted is called when every task succeeded.
	OnRunCompleted(ctx context.Context, run *Run)

	// OnRunFailed is called when the run fails; err is the first
	// terminal task error, or a *StoreError.
	OnRunFailed(ctx context.Context, run *Run, err error)

	// OnRunCancelled is called when the run is cancelled.
	OnRunCancelled(ctx context.Context, run *Run)

	// OnTaskStart is called before each attempt invokes the task
	// function. attempt is 1-based.
	OnTaskStart(ctx context.Context, runID, task string, attempt int)

	// OnTaskCompleted is called after an attempt finishes, for both
	// successes and failures (err != nil).
	OnTaskCompleted(ctx context.Context, runID, task string, attempt int, err error, duration time.Duration)

	// OnTaskRetry is called when a failed attempt schedules a retry
	// after the given backoff delay.
	OnTaskRetry(ctx context.Context, runID, task string, attempt int, delay time.Duration)
}

// NoopObserver is an Observer that does nothing. It is the default when
// no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *Run)               {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *Run)           {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *Run, err error)   {}
func (NoopObserver) OnRunCancelled(ctx context.Context, run *Run)           {}
func (NoopObserver) OnTaskStart(ctx context.Context, runID, task string, attempt int) {
}
func (NoopObserver) OnTaskCompleted(ctx context.Context, runID, task string, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnTaskRetry(ctx context.Context, runID, task string, attempt int, delay time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnRunCancelled(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunCancelled(ctx, run)
	}
}

func (c *CompositeObserver) OnTaskStart(ctx context.Context, runID, task string, attempt int) {
	for _, o := range c.observers {
		o.OnTaskStart(ctx, runID, task, attempt)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, runID, task string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, runID, task, attempt, err, d)
	}
}

func (c *CompositeObserver) OnTaskRetry(ctx context.Context, runID, task string, attempt int, delay time.Duration) {
	for _, o := range c.observers {
		o.OnTaskRetry(ctx, runID, task, attempt, delay)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / task lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("run_id", run.RunID),
		slog.Int("tasks", len(run.Tasks)),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("run_id", run.RunID),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("run_id", run.RunID),
		slog.String("reason", run.Reason),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRunCancelled(ctx context.Context, run *Run) {
	o.Logger.WarnContext(ctx, "run_cancelled",
		slog.String("run_id", run.RunID),
	)
}

func (o *LoggingObserver) OnTaskStart(ctx context.Context, runID, task string, attempt int) {
	o.Logger.DebugContext(ctx, "task_start",
		slog.String("run_id", runID),
		slog.String("task", task),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, runID, task string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "task_completed",
		slog.String("run_id", runID),
		slog.String("task", task),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTaskRetry(ctx context.Context, runID, task string, attempt int, delay time.Duration) {
	o.Logger.WarnContext(ctx, "task_retry",
		slog.String("run_id", runID),
		slog.String("task", task),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted   atomic.Int64
	runsCompleted atomic.Int64
	runsFailed    atomic.Int64
	runsCancelled atomic.Int64

	tasksSucceeded    atomic.Int64
	tasksFailed       atomic.Int64
	taskRetries       atomic.Int64
	totalTaskDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsCancelled int64
	ActiveRuns    int64

	TasksSucceeded  int64
	TasksFailed     int64
	TaskRetries     int64
	AvgTaskDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *Run) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *Run) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *Run, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnRunCancelled(ctx context.Context, run *Run) {
	m.runsCancelled.Add(1)
}

func (m *BasicMetrics) OnTaskCompleted(ctx context.Context, runID, task string, attempt int, err error, d time.Duration) {
	if err == nil {
		m.tasksSucceeded.Add(1)
		m.totalTaskDuration.Add(d.Nanoseconds())
	} else {
		m.tasksFailed.Add(1)
	}
}

func (m *BasicMetrics) OnTaskRetry(ctx context.Context, runID, task string, attempt int, delay time.Duration) {
	m.taskRetries.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	cancelled := m.runsCancelled.Load()
	succeeded := m.tasksSucceeded.Load()
	totalNs := m.totalTaskDuration.Load()

	var avg time.Duration
	if succeeded > 0 {
		avg = time.Duration(totalNs / succeeded)
	}

	return BasicMetricsSnapshot{
		RunsStarted:   started,
		RunsCompleted: completed,
		RunsFailed:    failed,
		RunsCancelled: cancelled,
		ActiveRuns:    started - completed - failed - cancelled,

		TasksSucceeded:  succeeded,
		TasksFailed:     m.tasksFailed.Load(),
		TaskRetries:     m.taskRetries.Load(),
		AvgTaskDuration: avg,
	}
}
