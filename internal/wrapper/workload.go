package wrapper

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTeardownGrace is how long a workload gets between SIGTERM and SIGKILL.
const DefaultTeardownGrace = 10 * time.Second

// Spec describes the workload to start. It is not modified after Prepare.
type Spec struct {
	Name       string
	Command    []string
	Image      string
	Volumes    []string
	Privileged bool
	TTY        bool
	Env        map[string]string
	WorkDir    string
	AutoRemove bool
	// Interactive wires stdin/stdout for the line protocol. Otherwise stdout
	// is logged like stderr.
	Interactive   bool
	TeardownGrace time.Duration
}

func (s Spec) grace() time.Duration {
	if s.TeardownGrace > 0 {
		return s.TeardownGrace
	}
	return DefaultTeardownGrace
}

// ErrAlreadyStarted is returned by a second Workload.Start.
var ErrAlreadyStarted = errors.New("workload already started")

// Launcher creates workloads. Prepare allocates everything the workload
// needs (container, pipes, command) without running it, so telemetry can be
// attached first; Workload.Start then runs it.
type Launcher interface {
	Prepare(ctx context.Context, spec Spec) (*Workload, error)
}

// Launch prepares and immediately starts a workload.
func Launch(ctx context.Context, l Launcher, spec Spec) (*Workload, error) {
	w, err := l.Prepare(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		w.Teardown(context.Background())
		return nil, err
	}
	return w, nil
}

// Workload is a prepared or running system under test. The harness owns it
// until Teardown returns.
type Workload struct {
	Name string
	// Stdin and Stdout are nil unless Spec.Interactive was set.
	Stdin  io.WriteCloser
	Stdout io.Reader

	pid         int
	containerID string
	done        chan struct{}
	exitOnce    sync.Once

	mu         sync.Mutex
	events     []LifecycleEvent
	exitCode   int
	exitReason ExitReason

	start   func(ctx context.Context) error
	started atomic.Bool
	// release frees what Prepare allocated when the workload never started.
	release func(ctx context.Context) error

	stop         func(ctx context.Context) error
	teardownOnce sync.Once
	teardownErr  error
}

func newWorkload(name string) *Workload {
	w := &Workload{Name: name, done: make(chan struct{}), exitCode: -1, exitReason: ExitReasonUnknown}
	w.emitEvent(StateStarting, "Launching workload")
	return w
}

// Start runs a prepared workload. It may be called once.
func (w *Workload) Start(ctx context.Context) error {
	w.mu.Lock()
	start := w.start
	w.start = nil
	w.mu.Unlock()
	if start == nil {
		return ErrAlreadyStarted
	}
	if err := start(ctx); err != nil {
		return err
	}
	w.started.Store(true)
	return nil
}

// Started reports whether Start succeeded.
func (w *Workload) Started() bool {
	return w.started.Load()
}

// PID is the host pid of the workload (the container's init for containers).
// It is 0 for a local process that has not started.
func (w *Workload) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

func (w *Workload) setPID(pid int) {
	w.mu.Lock()
	w.pid = pid
	w.mu.Unlock()
}

// ContainerID is empty for local processes.
func (w *Workload) ContainerID() string {
	return w.containerID
}

// Done is closed once the workload has exited.
func (w *Workload) Done() <-chan struct{} {
	return w.done
}

// Alive reports whether the workload has not exited yet.
func (w *Workload) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the workload exits or ctx is done.
func (w *Workload) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitCode is -1 until the workload exits.
func (w *Workload) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

// ExitReason is unknown until the workload exits.
func (w *Workload) ExitReason() ExitReason {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitReason
}

// Events returns a copy of the lifecycle events recorded so far.
func (w *Workload) Events() []LifecycleEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]LifecycleEvent(nil), w.events...)
}

// emitEvent records a lifecycle event
func (w *Workload) emitEvent(state LifecycleState, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, LifecycleEvent{
		State:      state,
		Timestamp:  time.Now(),
		ExitCode:   w.exitCode,
		ExitReason: w.exitReason,
		Message:    message,
	})
}

// exited records the first exit and releases Done. Later calls are ignored.
func (w *Workload) exited(code int, reason ExitReason, state LifecycleState, message string) {
	w.exitOnce.Do(func() {
		w.mu.Lock()
		w.exitCode = code
		w.exitReason = reason
		w.mu.Unlock()
		w.emitEvent(state, message)
		close(w.done)
	})
}

// Teardown stops the workload and releases its resources. It is safe to call
// more than once and when the workload already exited; only the first call
// does any work.
func (w *Workload) Teardown(ctx context.Context) error {
	w.teardownOnce.Do(func() {
		if !w.started.Load() {
			w.mu.Lock()
			w.start = nil
			w.mu.Unlock()
			if w.release != nil {
				w.teardownErr = w.release(ctx)
			}
			w.exited(-1, ExitReasonUnknown, StateFailed, "Torn down before start")
			return
		}
		if w.Alive() {
			w.emitEvent(StateTearingDown, "Stopping workload")
		}
		if w.stop != nil {
			w.teardownErr = w.stop(ctx)
		}
	})
	return w.teardownErr
}
