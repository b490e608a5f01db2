package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/effbench/internal/logging"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager runs cleanup steps in reverse registration order (LIFO), each at
// most once, under a shared timeout.
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	logger  *logging.Logger
	ran     bool
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{timeout: timeout, logger: logger}
}

// Register adds a cleanup step. Steps registered after Shutdown has run are
// executed immediately.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	if m.ran {
		m.mu.Unlock()
		m.run(step{name: name, fn: fn})
		return
	}
	m.steps = append(m.steps, step{name: name, fn: fn})
	m.mu.Unlock()
}

// Shutdown executes all registered steps and returns their errors in
// execution order. Later calls return nil.
func (m *Manager) Shutdown() []error {
	m.mu.Lock()
	if m.ran {
		m.mu.Unlock()
		return nil
	}
	m.ran = true
	steps := m.steps
	m.steps = nil
	m.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := m.run(steps[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *Manager) run(s step) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	m.logger.Debug("Running cleanup", map[string]interface{}{"step": s.name})
	if err := s.fn(ctx); err != nil {
		m.logger.Warn("Cleanup step failed", map[string]interface{}{"step": s.name, "error": err.Error()})
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}

// SignalContext returns a context cancelled on SIGTERM or SIGINT. The
// received signal is logged once.
func SignalContext(parent context.Context, logger *logging.Logger) (context.Context, context.CancelFunc) {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Warn("Received signal, aborting run", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// CloseResource creates a cleanup step for an io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}

// StopHTTPServer creates a cleanup step for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}
