package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/effbench/internal/sampler"
)

var sampleOpts struct {
	kind         string
	out          string
	nvidiaSMI    string
	powercapRoot string
	containerID  string
	pidFile      string
	interval     time.Duration
	gpus         []int
	pid          int
	parentPID    int
	rootOnly     bool
}

var sampleCmd = &cobra.Command{
	Use:    "sample",
	Short:  "Run one telemetry sampler (started by effbench run)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runSample,
}

func init() {
	rootCmd.AddCommand(sampleCmd)

	f := sampleCmd.Flags()
	f.StringVar(&sampleOpts.kind, "kind", "", "sampler kind: gpu, energy or container")
	f.StringVar(&sampleOpts.out, "out", "", "CSV file to write")
	f.DurationVar(&sampleOpts.interval, "interval", sampler.DefaultInterval, "sampling interval")
	f.StringVar(&sampleOpts.nvidiaSMI, "nvidia-smi", "nvidia-smi", "nvidia-smi binary")
	f.IntSliceVar(&sampleOpts.gpus, "gpus", nil, "GPU indices to sample")
	f.StringVar(&sampleOpts.powercapRoot, "powercap-root", "/sys/class/powercap", "RAPL powercap sysfs root")
	f.StringVar(&sampleOpts.containerID, "container", "", "container to read stats for")
	f.IntVar(&sampleOpts.pid, "pid", 0, "process to read stats for when there is no container")
	f.StringVar(&sampleOpts.pidFile, "pid-file", "", "file the workload pid is written to once it starts")
	f.BoolVar(&sampleOpts.rootOnly, "root-only", false, "sample the process without its descendants")
	f.IntVar(&sampleOpts.parentPID, "parent-pid", 0, "exit when this process is gone")
	sampleCmd.MarkFlagRequired("kind")
	sampleCmd.MarkFlagRequired("out")
}

func runSample(cmd *cobra.Command, args []string) error {
	kind, err := sampler.ParseKind(sampleOpts.kind)
	if err != nil {
		return err
	}

	// stderr is captured line by line by the supervisor
	logger := newLogger()
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return sampler.Start(ctx, sampler.Options{
		Kind:         kind,
		Out:          sampleOpts.out,
		Interval:     sampleOpts.interval,
		NvidiaSMI:    sampleOpts.nvidiaSMI,
		GPUs:         sampleOpts.gpus,
		PowercapRoot: sampleOpts.powercapRoot,
		ContainerID:  sampleOpts.containerID,
		PID:          sampleOpts.pid,
		PIDFile:      sampleOpts.pidFile,
		RootOnly:     sampleOpts.rootOnly,
		ParentPID:    sampleOpts.parentPID,
	}, logger)
}
