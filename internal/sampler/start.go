package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"

	"github.com/psantana5/effbench/internal/logging"
	"github.com/psantana5/effbench/internal/observe"
)

// Options configure one sampler process.
type Options struct {
	Kind         Kind
	Out          string
	Interval     time.Duration
	NvidiaSMI    string
	GPUs         []int
	PowercapRoot string
	ContainerID  string
	PID          int
	// PIDFile names a file the harness writes the workload pid to once it
	// starts; used when the sampler must run before the process exists.
	PIDFile string
	// RootOnly samples PID without its descendants.
	RootOnly bool
	// ParentPID makes the sampler exit if the harness disappears.
	ParentPID int
}

// NewSource builds the source for opts.
func NewSource(opts Options) (Source, func(), error) {
	noop := func() {}
	switch opts.Kind {
	case GPU:
		return NewGPUSource(opts.NvidiaSMI, opts.GPUs), noop, nil
	case Energy:
		return NewEnergySource(opts.PowercapRoot), noop, nil
	case Container:
		if opts.ContainerID != "" {
			cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
			if err != nil {
				return nil, noop, fmt.Errorf("docker client: %w", err)
			}
			return NewDockerStatsSource(cli, opts.ContainerID), func() { cli.Close() }, nil
		}
		var src *ProcessSource
		switch {
		case opts.PID > 0:
			src = NewProcessSource(opts.PID)
		case opts.PIDFile != "":
			src = NewPIDFileSource(opts.PIDFile)
		default:
			return nil, noop, fmt.Errorf("container sampler needs --container, --pid or --pid-file")
		}
		if opts.RootOnly {
			src.RootOnly()
		}
		return src, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown sampler kind %q", opts.Kind)
	}
}

// Start runs a sampler until ctx is done or the parent process exits. The
// output file is created before the first tick, so a header-only file means
// no rows were recorded.
func Start(ctx context.Context, opts Options, logger *logging.Logger) error {
	logger = logger.Component("sampler").WithField("kind", string(opts.Kind))

	src, closeSrc, err := NewSource(opts)
	if err != nil {
		return err
	}
	defer closeSrc()

	w, err := Create(opts.Out, src.Columns())
	if err != nil {
		return err
	}
	defer w.Close()

	if opts.ParentPID > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := make(chan struct{})
		defer close(stop)
		gone := observe.NewWatcher(opts.ParentPID, time.Second).Gone(stop)
		go func() {
			select {
			case <-gone:
				logger.Warn("Harness process gone, stopping", map[string]interface{}{"parent_pid": opts.ParentPID})
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	logger.Info("Sampler started", map[string]interface{}{"out": opts.Out, "interval": opts.Interval.String()})
	return Run(ctx, src, w, opts.Interval, logger)
}
