package wrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	berrors "github.com/psantana5/effbench/internal/errors"
	"github.com/psantana5/effbench/internal/logging"
	"github.com/psantana5/effbench/internal/observe"
)

const (
	// stdinDrain is how long a workload gets to exit on its own after stdin closes.
	stdinDrain = 500 * time.Millisecond
	// killWait bounds the wait after SIGKILL.
	killWait = 5 * time.Second
)

// ProcessLauncher runs the workload as a local child in its own process group.
type ProcessLauncher struct {
	Logger *logging.Logger
}

// NewProcessLauncher creates a launcher logging workload output through logger.
func NewProcessLauncher(logger *logging.Logger) *ProcessLauncher {
	return &ProcessLauncher{Logger: logger}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Prepare implements Launcher. The command is built and its pipes are
// allocated; the process is forked by Workload.Start.
func (l *ProcessLauncher) Prepare(ctx context.Context, spec Spec) (*Workload, error) {
	if len(spec.Command) == 0 {
		return nil, berrors.New(berrors.ErrLaunchFailure, berrors.PhaseLaunch, "no command given", nil)
	}
	logger := l.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.Component("workload")

	w := newWorkload(spec.Name)

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	// Process becomes its own group leader so teardown reaches its children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	cmd.Dir = spec.WorkDir
	stderr := logger.LineWriter(logging.INFO)
	cmd.Stderr = stderr

	var childEnds []io.Closer
	if spec.Interactive {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			stderr.Close()
			return nil, berrors.New(berrors.ErrLaunchFailure, berrors.PhaseLaunch, "stdin pipe", err)
		}
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			stdinR.Close()
			stdinW.Close()
			stderr.Close()
			return nil, berrors.New(berrors.ErrLaunchFailure, berrors.PhaseLaunch, "stdout pipe", err)
		}
		cmd.Stdin = stdinR
		cmd.Stdout = stdoutW
		childEnds = append(childEnds, stdinR, stdoutW)
		w.Stdin = stdinW
		w.Stdout = stdoutR
	} else {
		cmd.Stdout = stderr
	}

	var closeOnce sync.Once
	closeChildEnds := func() {
		closeOnce.Do(func() {
			for _, c := range childEnds {
				c.Close()
			}
		})
	}

	w.release = func(context.Context) error {
		closeChildEnds()
		if w.Stdin != nil {
			w.Stdin.Close()
			w.Stdout.(io.Closer).Close()
		}
		stderr.Close()
		return nil
	}

	w.start = func(context.Context) error {
		err := cmd.Start()
		closeChildEnds()
		if err != nil {
			w.emitEvent(StateFailed, fmt.Sprintf("Failed to start: %v", err))
			return berrors.New(berrors.ErrLaunchFailure, berrors.PhaseLaunch,
				fmt.Sprintf("start %s", spec.Command[0]), err)
		}

		child := observe.Adopt(cmd)
		pid := child.PID()
		w.setPID(pid)
		w.emitEvent(StateRunning, fmt.Sprintf("PID %d started", pid))
		logger.Info("Workload started", map[string]interface{}{"pid": pid, "command": spec.Command[0]})

		go func() {
			<-child.Done()
			code, reason, state, msg := classifyExit(child.ExitErr())
			w.exited(code, reason, state, msg)
			stderr.Close()
			logger.Info("Workload exited", map[string]interface{}{"pid": pid, "exit_code": code, "reason": string(reason)})
		}()

		w.stop = func(ctx context.Context) error {
			err := stopChild(ctx, w, child, spec.grace())
			if !child.IsAlive() {
				<-w.done
			}
			return err
		}
		return nil
	}
	return w, nil
}

func classifyExit(err error) (int, ExitReason, LifecycleState, string) {
	if err == nil {
		return 0, ExitReasonSuccess, StateCompleted, "Completed successfully"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			reason := DetermineExitReason(code, status)
			if status.Signaled() {
				return code, reason, StateKilled, fmt.Sprintf("Killed by %s", SignalName(status.Signal()))
			}
			return code, reason, StateFailed, fmt.Sprintf("Exited with code %d", code)
		}
		return code, ExitReasonError, StateFailed, fmt.Sprintf("Exited with code %d", code)
	}
	return 1, ExitReasonError, StateFailed, fmt.Sprintf("Wait error: %v", err)
}

// stopChild closes stdin, then escalates SIGTERM and SIGKILL to the group.
func stopChild(ctx context.Context, w *Workload, child *observe.Child, grace time.Duration) error {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	defer func() {
		if c, ok := w.Stdout.(io.Closer); ok {
			c.Close()
		}
	}()
	if !child.IsAlive() {
		return nil
	}
	if w.Stdin != nil && waitOrDone(ctx, child, stdinDrain) == nil {
		return nil
	}

	if err := child.SignalGroup(syscall.SIGTERM); err != nil {
		return berrors.New(berrors.ErrTeardownFailure, berrors.PhaseLaunch, "SIGTERM workload", err)
	}
	if waitOrDone(ctx, child, grace) == nil {
		return nil
	}
	if err := child.SignalGroup(syscall.SIGKILL); err != nil {
		return berrors.New(berrors.ErrTeardownFailure, berrors.PhaseLaunch, "SIGKILL workload", err)
	}
	if err := child.Wait(killWait); err != nil {
		return berrors.New(berrors.ErrTeardownFailure, berrors.PhaseLaunch,
			fmt.Sprintf("workload pid %d survived SIGKILL", child.PID()), err)
	}
	return nil
}

func waitOrDone(ctx context.Context, child *observe.Child, grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-child.Done():
		return nil
	case <-timer.C:
		return observe.ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
