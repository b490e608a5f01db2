package observe

// Observation and signalling only. Nothing here decides when to stop a process.

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrWaitTimeout is returned by Wait when the process outlives the timeout.
var ErrWaitTimeout = errors.New("process did not exit before timeout")

// Process is the minimal handle the harness needs to stop something it started.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	// Wait blocks until exit or timeout. A timeout yields ErrWaitTimeout.
	Wait(timeout time.Duration) error
	IsAlive() bool
}

// Child wraps a started *exec.Cmd. Exactly one goroutine reaps it.
type Child struct {
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
	once    sync.Once
}

// Adopt takes ownership of a started command and begins reaping it.
func Adopt(cmd *exec.Cmd) *Child {
	c := &Child{cmd: cmd, done: make(chan struct{})}
	go func() {
		c.exitErr = cmd.Wait()
		close(c.done)
	}()
	return c
}

// PID returns the child's process id.
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// Signal delivers sig unless the child has already been reaped.
func (c *Child) Signal(sig os.Signal) error {
	if !c.IsAlive() {
		return nil
	}
	err := c.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// SignalGroup delivers sig to the child's process group (requires Setpgid).
func (c *Child) SignalGroup(sig syscall.Signal) error {
	if !c.IsAlive() {
		return nil
	}
	err := syscall.Kill(-c.PID(), sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Wait blocks until the child exits or timeout elapses.
func (c *Child) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}

// Done is closed once the child has been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// IsAlive reports whether the child has not been reaped yet.
func (c *Child) IsAlive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// ExitErr returns cmd.Wait's error. Only meaningful once Done is closed.
func (c *Child) ExitErr() error {
	<-c.done
	return c.exitErr
}

// ExitCode returns the exit code, or -1 when killed by a signal.
func (c *Child) ExitCode() int {
	<-c.done
	if c.cmd.ProcessState == nil {
		return -1
	}
	return c.cmd.ProcessState.ExitCode()
}

// Watcher observes a PID the harness did not start. Liveness is checked with
// signal 0, so exit codes are unavailable.
type Watcher struct {
	pid      int
	interval time.Duration
}

// NewWatcher creates a watcher for pid polling at interval.
func NewWatcher(pid int, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Watcher{pid: pid, interval: interval}
}

// PID returns the watched pid.
func (w *Watcher) PID() int {
	return w.pid
}

// IsAlive checks if the PID still exists.
func (w *Watcher) IsAlive() bool {
	if w.pid <= 0 {
		return false
	}
	process, err := os.FindProcess(w.pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	// EPERM still means the process exists
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Signal sends sig to the PID.
func (w *Watcher) Signal(sig os.Signal) error {
	process, err := os.FindProcess(w.pid)
	if err != nil {
		return err
	}
	err = process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Wait polls until the PID disappears or timeout elapses.
func (w *Watcher) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if !w.IsAlive() {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrWaitTimeout
		}
		<-ticker.C
	}
}

// Gone returns a channel closed once the PID disappears.
func (w *Watcher) Gone(stop <-chan struct{}) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !w.IsAlive() {
					close(gone)
					return
				}
			}
		}
	}()
	return gone
}
