// Package worker consumes run requests from a queue and executes them
// through a Runner.
//
// It is the glue for decoupled pipelines: one process publishes run
// requests with Worker.EnqueueRun (or any Queue.Publish with the same
// payload shape), another process loops over Worker.ProcessOne. Delivery
// is at-least-once — a crash between run and ack redelivers the message
// after the queue's visibility timeout, and the worker derives stable run
// IDs so a redelivered request reuses the same run ID rather than forking
// a new run. A run that already completed is not executed again; any
// other stored state under that ID is recomputed from scratch.
package worker
