package monitor

import (
	"fmt"
	"sync"

	"github.com/psantana5/effbench/internal/observe"
	"github.com/psantana5/effbench/internal/sampler"
)

// State is a sampler process lifecycle state.
type State string

const (
	StateStarting State = "starting" // spawned, output file not yet created
	StateRunning  State = "running"  // recording rows
	StateStopping State = "stopping" // SIGTERM sent
	StateStopped  State = "stopped"  // exit observed
	StateFailed   State = "failed"   // died early or outlived the stop timeout
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateStarting: {
		StateRunning: true,
		StateFailed:  true,
	},
	StateRunning: {
		StateStopping: true,
		StateFailed:   true,
	},
	StateStopping: {
		StateStopped: true,
		StateFailed:  true,
	},
	// Terminal states (no transitions allowed)
	StateStopped: {},
	StateFailed:  {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// Handle tracks one sampler process.
type Handle struct {
	Kind sampler.Kind
	Path string

	proc observe.Process

	mu    sync.Mutex
	state State
}

func newHandle(kind sampler.Kind, path string, proc observe.Process) *Handle {
	return &Handle{Kind: kind, Path: path, proc: proc, state: StateStarting}
}

// PID returns the sampler's process id.
func (h *Handle) PID() int {
	return h.proc.PID()
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsAlive reports whether the sampler process still exists.
func (h *Handle) IsAlive() bool {
	return h.proc.IsAlive()
}

func (h *Handle) transition(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ValidateTransition(h.state, to); err != nil {
		return fmt.Errorf("%s sampler: %w", h.Kind, err)
	}
	h.state = to
	return nil
}
