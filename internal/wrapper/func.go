package wrapper

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
)

// WorkloadFunc is an in-process workload. It reads requests from stdin and
// writes responses to stdout; the workload exits when it returns.
type WorkloadFunc func(ctx context.Context, stdin io.Reader, stdout io.Writer) error

// FuncLauncher runs the workload as a goroutine inside the harness. Process
// telemetry, if any, is attributed to PID, normally the harness itself.
type FuncLauncher struct {
	Fn WorkloadFunc
	// PID is reported as the workload's pid. Zero means none.
	PID      int
	launches atomic.Int32
}

// NewFuncLauncher creates a launcher for fn.
func NewFuncLauncher(fn WorkloadFunc) *FuncLauncher {
	return &FuncLauncher{Fn: fn}
}

// Launches reports how many workloads were started.
func (l *FuncLauncher) Launches() int {
	return int(l.launches.Load())
}

// Prepare implements Launcher.
func (l *FuncLauncher) Prepare(ctx context.Context, spec Spec) (*Workload, error) {
	w := newWorkload(spec.Name)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	w.Stdin = inW
	w.Stdout = outR

	w.release = func(context.Context) error {
		inW.Close()
		outR.Close()
		return nil
	}

	w.start = func(context.Context) error {
		l.launches.Add(1)
		runCtx, cancel := context.WithCancel(context.Background())
		go func() {
			defer cancel()
			err := l.Fn(runCtx, inR, outW)
			outW.CloseWithError(err)
			inR.Close()
			if err != nil {
				w.exited(1, ExitReasonError, StateFailed, fmt.Sprintf("Workload returned: %v", err))
				return
			}
			w.exited(0, ExitReasonSuccess, StateCompleted, "Completed successfully")
		}()
		w.setPID(l.PID)
		w.emitEvent(StateRunning, "In-process workload started")

		w.stop = func(ctx context.Context) error {
			inW.Close()
			if waitDone(ctx, w, spec.grace()) {
				return nil
			}
			cancel()
			outR.Close()
			if !waitDone(ctx, w, killWait) {
				return fmt.Errorf("in-process workload %s did not return", spec.Name)
			}
			return nil
		}
		return nil
	}
	return w, nil
}
