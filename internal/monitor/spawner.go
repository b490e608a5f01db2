package monitor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/psantana5/effbench/internal/logging"
	"github.com/psantana5/effbench/internal/observe"
	"github.com/psantana5/effbench/internal/sampler"
)

// Spawner starts one sampler process.
type Spawner interface {
	Spawn(ctx context.Context, opts sampler.Options) (observe.Process, error)
}

// ExecSpawner re-executes Binary with the hidden `sample` subcommand so each
// sampler is an independent OS process sharing nothing with the harness.
type ExecSpawner struct {
	Binary string
	Logger *logging.Logger
}

// NewExecSpawner spawns samplers from the running executable.
func NewExecSpawner(logger *logging.Logger) (*ExecSpawner, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable: %w", err)
	}
	return &ExecSpawner{Binary: self, Logger: logger}, nil
}

// Args renders the sample subcommand line for opts.
func Args(opts sampler.Options) []string {
	args := []string{
		"sample",
		"--kind", string(opts.Kind),
		"--out", opts.Out,
		"--interval", opts.Interval.String(),
	}
	if opts.NvidiaSMI != "" {
		args = append(args, "--nvidia-smi", opts.NvidiaSMI)
	}
	if len(opts.GPUs) > 0 {
		ids := make([]string, len(opts.GPUs))
		for i, g := range opts.GPUs {
			ids[i] = strconv.Itoa(g)
		}
		args = append(args, "--gpus", strings.Join(ids, ","))
	}
	if opts.PowercapRoot != "" {
		args = append(args, "--powercap-root", opts.PowercapRoot)
	}
	if opts.ContainerID != "" {
		args = append(args, "--container", opts.ContainerID)
	}
	if opts.PID > 0 {
		args = append(args, "--pid", strconv.Itoa(opts.PID))
	}
	if opts.PIDFile != "" {
		args = append(args, "--pid-file", opts.PIDFile)
	}
	if opts.RootOnly {
		args = append(args, "--root-only")
	}
	if opts.ParentPID > 0 {
		args = append(args, "--parent-pid", strconv.Itoa(opts.ParentPID))
	}
	return args
}

// Spawn implements Spawner. The child gets its own process group so a
// terminal Ctrl-C reaches only the harness, which then stops it in order.
func (s *ExecSpawner) Spawn(ctx context.Context, opts sampler.Options) (observe.Process, error) {
	cmd := exec.Command(s.Binary, Args(opts)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	if s.Logger != nil {
		cmd.Stderr = s.Logger.Component("sampler").WithField("kind", string(opts.Kind)).LineWriter(logging.INFO)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s sampler: %w", opts.Kind, err)
	}
	return observe.Adopt(cmd), nil
}
