// Package dag holds the immutable in-memory DAG model: tasks, edges,
// topological ordering, and the deterministic digest used to fingerprint a
// compiled workflow.
//
// A DAG is a plain value built once from compiled steps and never mutated;
// persistence of run history lives in internal/store.
package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Task is a single unit of work in a DAG.
type Task struct {
	Name       string            `json:"name"`
	Plugin     string            `json:"plugin"`
	Inputs     map[string]any    `json:"inputs,omitempty"`
	Timeout    time.Duration     `json:"timeout"`
	MaxRetries int               `json:"max_retries"`
	Backoff    time.Duration     `json:"backoff"`
}

// Edge is an ordered dependency between two tasks in the same DAG.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DAG is an immutable set of tasks and edges plus free-form metadata.
type DAG struct {
	Tasks []Task         `json:"tasks"`
	Edges []Edge         `json:"edges"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// CycleError reports that a DAG contains a cycle and therefore has no valid
// topological order.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dag: cycle detected among tasks %v", e.Remaining)
}

// FromSteps builds a DAG from an ordered step sequence, as produced by the
// glyph compiler (optionally reshaped by the planner). Tasks are named
// "NN_step" with a zero-padded index; edges connect consecutive steps.
func FromSteps(steps []string, pluginOf func(step string) string, defaults TaskDefaults) (DAG, error) {
	if pluginOf == nil {
		pluginOf = func(step string) string { return "core." + step }
	}

	d := DAG{
		Tasks: make([]Task, 0, len(steps)),
		Edges: make([]Edge, 0, maxInt(len(steps)-1, 0)),
	}

	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		name := fmt.Sprintf("%02d_%s", i, step)
		if _, dup := seen[name]; dup {
			return DAG{}, fmt.Errorf("dag: duplicate task name %q", name)
		}
		seen[name] = struct{}{}

		d.Tasks = append(d.Tasks, Task{
			Name:       name,
			Plugin:     pluginOf(step),
			Timeout:    defaults.Timeout,
			MaxRetries: defaults.MaxRetries,
			Backoff:    defaults.Backoff,
		})

		if i > 0 {
			d.Edges = append(d.Edges, Edge{From: d.Tasks[i-1].Name, To: name})
		}
	}

	if err := d.Validate(); err != nil {
		return DAG{}, err
	}
	return d, nil
}

// TaskDefaults are applied uniformly to every task built by FromSteps.
type TaskDefaults struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Validate checks the structural invariants: unique task names and every
// edge endpoint present in the task set. It does not check for cycles;
// Topo does that as a side effect of ordering.
func (d DAG) Validate() error {
	names := make(map[string]struct{}, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.Name == "" {
			return fmt.Errorf("dag: task with empty name")
		}
		if _, dup := names[t.Name]; dup {
			return fmt.Errorf("dag: duplicate task name %q", t.Name)
		}
		names[t.Name] = struct{}{}
	}
	for _, e := range d.Edges {
		if _, ok := names[e.From]; !ok {
			return fmt.Errorf("dag: edge references unknown task %q", e.From)
		}
		if _, ok := names[e.To]; !ok {
			return fmt.Errorf("dag: edge references unknown task %q", e.To)
		}
	}
	return nil
}

// Topo returns a stable topological order of tasks using Kahn's algorithm.
// Ties are broken by task name so the result is deterministic for a given
// DAG. It returns a *CycleError if the DAG is cyclic.
func (d DAG) Topo() ([]Task, error) {
	byName := make(map[string]Task, len(d.Tasks))
	indegree := make(map[string]int, len(d.Tasks))
	adj := make(map[string][]string, len(d.Tasks))

	for _, t := range d.Tasks {
		byName[t.Name] = t
		indegree[t.Name] = 0
	}
	for _, e := range d.Edges {
		indegree[e.To]++
		adj[e.From] = append(adj[e.From], e.To)
	}

	ready := make([]string, 0, len(d.Tasks))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]Task, 0, len(d.Tasks))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, byName[name])

		next := append([]string{}, adj[name]...)
		sort.Strings(next)
		for _, n := range next {
			indegree[n]--
			if indegree[n] == 0 {
				ready = append(ready, n)
			}
		}
	}

	if len(order) != len(d.Tasks) {
		remaining := make([]string, 0)
		for name, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Remaining: remaining}
	}
	return order, nil
}

// canonicalTask is the sorted-key JSON shape used solely for digest
// computation; field order in the JSON encoding is alphabetical by tag
// thanks to struct field ordering below.
type canonicalTask struct {
	Backoff    string         `json:"backoff"`
	Inputs     map[string]any `json:"inputs"`
	MaxRetries int            `json:"max_retries"`
	Name       string         `json:"name"`
	Plugin     string         `json:"plugin"`
	Timeout    string         `json:"timeout"`
}

type canonicalEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type canonicalDAG struct {
	Edges []canonicalEdge `json:"edges"`
	Tasks []canonicalTask `json:"tasks"`
}

// Digest returns the SHA-256 hex digest of the DAG's canonical
// serialization: tasks sorted by name, edges sorted by (from, to), encoded
// as JSON with alphabetically ordered fields. Two structurally equivalent
// DAGs always produce the same digest.
func (d DAG) Digest() string {
	tasks := make([]canonicalTask, len(d.Tasks))
	for i, t := range d.Tasks {
		inputs := t.Inputs
		if inputs == nil {
			inputs = map[string]any{}
		}
		tasks[i] = canonicalTask{
			Backoff:    t.Backoff.String(),
			Inputs:     inputs,
			MaxRetries: t.MaxRetries,
			Name:       t.Name,
			Plugin:     t.Plugin,
			Timeout:    t.Timeout.String(),
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	edges := make([]canonicalEdge, len(d.Edges))
	for i, e := range d.Edges {
		edges[i] = canonicalEdge{From: e.From, To: e.To}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	blob, err := json.Marshal(canonicalDAG{Edges: edges, Tasks: tasks})
	if err != nil {
		// canonicalDAG is built entirely from marshalable primitives; a
		// failure here means Inputs contains something json can't encode,
		// which is a caller bug surfaced loudly rather than swallowed.
		panic(fmt.Sprintf("dag: digest marshal failed: %v", err))
	}

	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
