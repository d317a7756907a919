// Package microflow is a deterministic DAG workflow engine: it executes
// a set of tasks with declared dependencies, propagates a shared mutable
// context between them, persists run state durably after every task
// transition, and enforces retry, timeout, and concurrency discipline.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. TaskSpec — the immutable declaration of one task
//  2. Workflow — a validated DAG of task specs
//  3. StateStore — durable run state (JSON files, SQLite, or Redis)
//  4. Runner — process-wide concurrency gate and entry point
//  5. Queue — FIFO message handoff between workflows and tasks
//
// # Tasks and workflows
//
// A task is declared with a name, a function, and a policy. The function
// receives a snapshot of the run context and returns a delta to merge:
//
//	fetch := microflow.NewTask("fetch", func(ctx context.Context, c microflow.Ctx) (microflow.Ctx, error) {
//	    return microflow.Ctx{"rows": 42}, nil
//	}).WithRetries(3).WithBackoff(time.Second).WithTimeout(30 * time.Second)
//
// Dependency edges are declared on the specs themselves. Then returns its
// argument so chains compose, and After declares fan-in:
//
//	fetch.Then(transform).Then(load)       // fetch -> transform -> load
//	report.After(transform, load)          // report waits for both
//
// NewWorkflow validates the collection: names must be unique, every
// dependency must resolve, and the graph must be acyclic. Violations fail
// fast with *ConfigError before any state is written.
//
// # Running
//
// A Runner caps concurrent runs and concurrent task executions across the
// whole process (configurable via MICROFLOW_MAX_CONCURRENT_WORKFLOWS and
// MICROFLOW_MAX_CONCURRENT_TASKS):
//
//	store, _ := microflow.OpenJSONStore("./data")
//	runner := microflow.NewRunner(microflow.RunnerOptions{})
//	run, err := runner.Run(ctx, wf, "nightly-2024-03-01", store, microflow.Ctx{"day": "2024-03-01"})
//
// The scheduler dispatches every ready task in parallel, snapshots the
// context per attempt, merges returned deltas through the store's atomic
// read-modify-write (shallow, last-writer-wins), retries failed attempts
// with exponential backoff, and persists after every transition. Task
// failures never surface as Go errors; they are recorded in the returned
// Run. When a task fails terminally its transitive downstream is marked
// skipped, and the run ends failed.
//
// # Queues
//
// Queue decouples publishers from consumers with at-least-once delivery:
// consumed messages must be acked, and unacked messages are redelivered
// after a visibility timeout. The in-memory variant is process-local; the
// Redis variant survives restarts. QUEUE_PROVIDER selects one at startup:
//
//	q, _ := microflow.NewQueueFromEnv()
//
// Package worker turns a queue into a run feed: published run requests
// are consumed, executed through a Runner, and acked or dead-lettered.
package microflow
