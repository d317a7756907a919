package api

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Workflow is a validated, ordered collection of task specs plus the
// adjacency derived from their dependency edges.
//
// Construction validates three invariants and fails with *ConfigError
// otherwise: task names are unique, every dependency references a task in
// the collection, and the dependency graph is acyclic.
type Workflow struct {
	name string

	tasks      []*TaskSpec
	byName     map[string]*TaskSpec
	downstream map[string][]string
}

// NewWorkflow builds and validates a workflow from the given specs.
// An empty name gets a generated one.
func NewWorkflow(name string, specs ...*TaskSpec) (*Workflow, error) {
	if name == "" {
		name = "workflow_" + uuid.NewString()[:8]
	}
	if len(specs) == 0 {
		return nil, &ConfigError{Reason: ConfigEmpty, Detail: "workflow has no tasks"}
	}

	byName := make(map[string]*TaskSpec, len(specs))
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[spec.Name]; dup {
			return nil, &ConfigError{Reason: ConfigDuplicateName, Involved: []string{spec.Name}}
		}
		byName[spec.Name] = spec
	}

	downstream := make(map[string][]string, len(specs))
	for _, spec := range specs {
		for _, dep := range spec.DepNames() {
			if _, ok := byName[dep]; !ok {
				return nil, &ConfigError{
					Reason:   ConfigUnknownDep,
					Involved: []string{spec.Name, dep},
					Detail:   fmt.Sprintf("task %q depends on unknown task %q", spec.Name, dep),
				}
			}
			downstream[dep] = append(downstream[dep], spec.Name)
		}
	}
	for dep := range downstream {
		sort.Strings(downstream[dep])
	}

	wf := &Workflow{
		name:       name,
		tasks:      append([]*TaskSpec(nil), specs...),
		byName:     byName,
		downstream: downstream,
	}

	if cycle := wf.findCycle(); len(cycle) > 0 {
		return nil, &ConfigError{Reason: ConfigCycle, Involved: cycle}
	}

	return wf, nil
}

// findCycle runs Kahn's algorithm; any node left with unmet indegree
// after propagation is part of (or downstream of) a cycle.
func (w *Workflow) findCycle() []string {
	indeg := w.Indegrees()

	var ready []string
	for _, spec := range w.tasks {
		if indeg[spec.Name] == 0 {
			ready = append(ready, spec.Name)
		}
	}

	visited := 0
	for len(ready) > 0 {
		name := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, down := range w.downstream[name] {
			indeg[down]--
			if indeg[down] == 0 {
				ready = append(ready, down)
			}
		}
	}

	if visited == len(w.tasks) {
		return nil
	}
	var cycle []string
	for _, spec := range w.tasks {
		if indeg[spec.Name] > 0 {
			cycle = append(cycle, spec.Name)
		}
	}
	sort.Strings(cycle)
	return cycle
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Len returns the number of tasks.
func (w *Workflow) Len() int { return len(w.tasks) }

// Tasks returns the specs in declaration order.
func (w *Workflow) Tasks() []*TaskSpec {
	return append([]*TaskSpec(nil), w.tasks...)
}

// Task returns the spec with the given name.
func (w *Workflow) Task(name string) (*TaskSpec, bool) {
	spec, ok := w.byName[name]
	return spec, ok
}

// Downstream returns the names of tasks that directly depend on name,
// sorted.
func (w *Workflow) Downstream(name string) []string {
	return append([]string(nil), w.downstream[name]...)
}

// Indegrees returns a fresh map of task name to its number of
// unresolved upstream dependencies.
func (w *Workflow) Indegrees() map[string]int {
	indeg := make(map[string]int, len(w.tasks))
	for _, spec := range w.tasks {
		indeg[spec.Name] = len(spec.Deps)
	}
	return indeg
}

// TopoOrder returns the task names in a valid topological order,
// preferring declaration order between independent tasks.
func (w *Workflow) TopoOrder() []string {
	indeg := w.Indegrees()

	var ready []string
	for _, spec := range w.tasks {
		if indeg[spec.Name] == 0 {
			ready = append(ready, spec.Name)
		}
	}

	order := make([]string, 0, len(w.tasks))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, down := range w.downstream[name] {
			indeg[down]--
			if indeg[down] == 0 {
				ready = append(ready, down)
			}
		}
	}
	return order
}

// Visualize renders a plain-text listing of the DAG, one task per line
// with its dependencies.
func (w *Workflow) Visualize() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\n", w.name)
	b.WriteString(strings.Repeat("=", 40))
	b.WriteString("\n")
	for _, spec := range w.tasks {
		deps := spec.DepNames()
		if len(deps) > 0 {
			fmt.Fprintf(&b, "- %s (depends on: %s)\n", spec.Name, strings.Join(deps, ", "))
		} else {
			fmt.Fprintf(&b, "- %s\n", spec.Name)
		}
	}
	return b.String()
}
