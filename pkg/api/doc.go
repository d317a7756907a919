// Package api defines the public value types and contracts of the
// microflow workflow engine: task specs and workflows, run records, the
// shared context, the error taxonomy, the StateStore and Queue
// interfaces, and the Observer lifecycle callbacks.
//
// Application code normally imports the root microflow package, which
// re-exports everything here; implementations of the contracts live in
// the internal packages.
package api
