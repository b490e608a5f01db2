// Package task supplies the inputs a benchmark run feeds to the workload and
// scores what comes back.
package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTask is returned by Lookup for unregistered names.
var ErrUnknownTask = errors.New("unknown task")

// ErrNoTargets means the split carries no reference outputs to score against.
var ErrNoTargets = errors.New("split has no targets")

// Task is a named dataset with optional reference outputs.
type Task interface {
	Name() string
	// Inputs returns the request items of a split, in dataset order.
	Inputs(split string) ([]json.RawMessage, error)
	// Score compares outputs positionally against the split's targets.
	Score(split string, outputs []json.RawMessage) (Accuracy, error)
}

// Accuracy is the exact-match score of a prediction set.
type Accuracy struct {
	Task     string  `json:"task"`
	Split    string  `json:"split"`
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Accuracy float64 `json:"accuracy"`
}

// Instance is one dataset row.
type Instance struct {
	Input  json.RawMessage `json:"input"`
	Target json.RawMessage `json:"target,omitempty"`
}

// ExactMatch scores outputs against the targets of the first len(outputs)
// instances. Values are compared after JSON compaction.
func ExactMatch(name, split string, instances []Instance, outputs []json.RawMessage) (Accuracy, error) {
	acc := Accuracy{Task: name, Split: split}
	if len(outputs) > len(instances) {
		return acc, fmt.Errorf("%d outputs for %d instances", len(outputs), len(instances))
	}
	for i, out := range outputs {
		target := instances[i].Target
		if len(target) == 0 {
			return acc, ErrNoTargets
		}
		acc.Total++
		if equalJSON(out, target) {
			acc.Correct++
		}
	}
	if acc.Total > 0 {
		acc.Accuracy = float64(acc.Correct) / float64(acc.Total)
	}
	return acc, nil
}

func equalJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// Registry maps task names to tasks. It is filled once at startup.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates a registry holding tasks.
func NewRegistry(tasks ...Task) *Registry {
	r := &Registry{tasks: make(map[string]Task)}
	for _, t := range tasks {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a task.
func (r *Registry) Register(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Name()] = t
}

// Lookup resolves a task by name.
func (r *Registry) Lookup(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownTask, name, r.namesLocked())
	}
	return t, nil
}

// Names lists registered tasks, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
