package wrapper

import (
	"fmt"
	"syscall"
	"time"
)

// LifecycleState represents the workload's lifecycle state
type LifecycleState string

const (
	StateStarting    LifecycleState = "starting"
	StateRunning     LifecycleState = "running"
	StateTearingDown LifecycleState = "tearing_down"
	StateCompleted   LifecycleState = "completed"
	StateFailed      LifecycleState = "failed"
	StateKilled      LifecycleState = "killed"
)

// ExitReason describes why a workload terminated
type ExitReason string

const (
	ExitReasonSuccess ExitReason = "success" // Exit code 0
	ExitReasonError   ExitReason = "error"   // Exit code != 0
	ExitReasonSignal  ExitReason = "signal"  // Killed by signal
	ExitReasonOOM     ExitReason = "oom"     // Out of memory killed
	ExitReasonUnknown ExitReason = "unknown"
)

// LifecycleEvent represents a lifecycle state change
type LifecycleEvent struct {
	State      LifecycleState `json:"state"`
	Timestamp  time.Time      `json:"timestamp"`
	ExitCode   int            `json:"exit_code,omitempty"`
	ExitReason ExitReason     `json:"exit_reason,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// DetermineExitReason analyzes a local process exit
func DetermineExitReason(exitCode int, waitStatus syscall.WaitStatus) ExitReason {
	if waitStatus.Signaled() {
		return ExitReasonSignal
	}
	if waitStatus.Exited() {
		return ExitReasonFromCode(exitCode, false)
	}
	return ExitReasonUnknown
}

// ExitReasonFromCode classifies a bare exit code, as reported by a container
// runtime. 137 is SIGKILL by convention, usually the OOM killer.
func ExitReasonFromCode(exitCode int, oomKilled bool) ExitReason {
	switch {
	case oomKilled:
		return ExitReasonOOM
	case exitCode == 0:
		return ExitReasonSuccess
	case exitCode == 137:
		return ExitReasonOOM
	case exitCode > 128:
		return ExitReasonSignal
	default:
		return ExitReasonError
	}
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGABRT:
		return "SIGABRT"
	default:
		return fmt.Sprintf("SIG%d", int(sig))
	}
}

// IsSuccess returns true if the exit represents success
func (r ExitReason) IsSuccess() bool {
	return r == ExitReasonSuccess
}
