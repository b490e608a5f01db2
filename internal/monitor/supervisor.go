package monitor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	berrors "github.com/psantana5/effbench/internal/errors"
	"github.com/psantana5/effbench/internal/logging"
	"github.com/psantana5/effbench/internal/sampler"
)

// Defaults for Supervisor timing.
const (
	DefaultStopTimeout  = 5 * time.Second
	DefaultStartTimeout = 10 * time.Second
	readyPoll           = 20 * time.Millisecond
)

// ReadyFunc reports whether a started sampler is recording.
type ReadyFunc func(h *Handle) bool

// fileReady treats a sampler as running once its CSV header exists.
func fileReady(h *Handle) bool {
	info, err := os.Stat(h.Path)
	return err == nil && info.Size() > 0
}

// Supervisor starts the run's samplers before the measured window and stops
// them after it.
type Supervisor struct {
	spawner      Spawner
	specs        []sampler.Options
	stopTimeout  time.Duration
	startTimeout time.Duration
	ready        ReadyFunc
	logger       *logging.Logger

	mu      sync.Mutex
	handles []*Handle
	stopped bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStopTimeout bounds the wait for each sampler to exit after SIGTERM.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.stopTimeout = d }
}

// WithStartTimeout bounds the wait for each sampler to become ready.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.startTimeout = d }
}

// WithReady overrides the readiness check.
func WithReady(f ReadyFunc) Option {
	return func(s *Supervisor) { s.ready = f }
}

// WithLogger sets the supervisor logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor creates a supervisor for specs.
func NewSupervisor(spawner Spawner, specs []sampler.Options, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawner:      spawner,
		specs:        specs,
		stopTimeout:  DefaultStopTimeout,
		startTimeout: DefaultStartTimeout,
		ready:        fileReady,
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handles returns the handles created by Start.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Start spawns every sampler and waits until each is recording. If any
// sampler cannot start, the ones already running are stopped and a
// MonitorStartFailure is returned.
func (s *Supervisor) Start(ctx context.Context) ([]*Handle, error) {
	for _, spec := range s.specs {
		proc, err := s.spawner.Spawn(ctx, spec)
		if err != nil {
			s.abort()
			return nil, berrors.New(berrors.ErrMonitorStartFailure, berrors.PhaseMonitoring,
				fmt.Sprintf("spawn %s sampler", spec.Kind), err).WithComponent(string(spec.Kind))
		}
		h := newHandle(spec.Kind, spec.Out, proc)
		s.mu.Lock()
		s.handles = append(s.handles, h)
		s.mu.Unlock()
		s.logger.Debug("Sampler spawned", map[string]interface{}{"kind": string(spec.Kind), "pid": proc.PID(), "out": spec.Out})
	}

	for _, h := range s.Handles() {
		if err := s.awaitReady(ctx, h); err != nil {
			_ = h.proc.Signal(syscall.SIGKILL)
			_ = h.proc.Wait(s.stopTimeout)
			_ = h.transition(StateFailed)
			s.abort()
			return nil, berrors.New(berrors.ErrMonitorStartFailure, berrors.PhaseMonitoring,
				fmt.Sprintf("%s sampler did not start", h.Kind), err).WithComponent(string(h.Kind))
		}
		if err := h.transition(StateRunning); err != nil {
			return nil, err
		}
		s.logger.Info("Sampler running", map[string]interface{}{"kind": string(h.Kind), "pid": h.PID()})
	}
	return s.Handles(), nil
}

func (s *Supervisor) awaitReady(ctx context.Context, h *Handle) error {
	deadline := time.NewTimer(s.startTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()

	for {
		if s.ready(h) {
			return nil
		}
		if !h.IsAlive() {
			return fmt.Errorf("process %d exited before creating %s", h.PID(), h.Path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("no output at %s after %s", h.Path, s.startTimeout)
		case <-ticker.C:
		}
	}
}

// abort stops whatever was spawned during a failed Start.
func (s *Supervisor) abort() {
	for _, w := range s.Stop() {
		s.logger.Warn("Cleanup after failed start", map[string]interface{}{"warning": w.String()})
	}
}

// Stop sends SIGTERM to every sampler and waits up to the stop timeout for
// each, concurrently. A sampler that outlives the timeout is marked failed,
// killed, and reported as a MonitorStopTimeout warning. Stop is idempotent.
func (s *Supervisor) Stop() []berrors.Warning {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	handles := make([]*Handle, len(s.handles))
	copy(handles, s.handles)
	s.mu.Unlock()

	warnings := berrors.NewWarnings(nil)
	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			s.stopOne(h, warnings)
			return nil
		})
	}
	_ = g.Wait()
	return warnings.List()
}

func (s *Supervisor) stopOne(h *Handle, warnings *berrors.Warnings) {
	if h.State().IsTerminal() {
		return
	}
	if h.State() == StateStarting {
		// never confirmed running; stop it without a warning of its own
		_ = h.proc.Signal(syscall.SIGKILL)
		_ = h.proc.Wait(s.stopTimeout)
		_ = h.transition(StateFailed)
		return
	}
	if err := h.transition(StateStopping); err != nil {
		return
	}

	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM failed", map[string]interface{}{"kind": string(h.Kind), "error": err.Error()})
	}
	if err := h.proc.Wait(s.stopTimeout); err != nil {
		_ = h.transition(StateFailed)
		warnings.Add(berrors.ErrMonitorStopTimeout, berrors.PhaseMonitoring, string(h.Kind),
			fmt.Sprintf("sampler pid %d did not exit within %s", h.PID(), s.stopTimeout))
		_ = h.proc.Signal(syscall.SIGKILL)
		return
	}
	_ = h.transition(StateStopped)
	s.logger.Info("Sampler stopped", map[string]interface{}{"kind": string(h.Kind), "pid": h.PID()})
}
