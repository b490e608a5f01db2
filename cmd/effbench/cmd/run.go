package cmd

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/effbench/internal/bench"
	"github.com/psantana5/effbench/internal/config"
	berrors "github.com/psantana5/effbench/internal/errors"
	"github.com/psantana5/effbench/internal/logging"
	"github.com/psantana5/effbench/internal/monitor"
	"github.com/psantana5/effbench/internal/observability"
	"github.com/psantana5/effbench/internal/report"
	"github.com/psantana5/effbench/internal/shutdown"
	"github.com/psantana5/effbench/internal/tracing"
	"github.com/psantana5/effbench/internal/wrapper"
	"github.com/psantana5/effbench/pkg/stdio"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Benchmark a workload",
	Long: `Launch a workload, drive it through a load scenario and report its
energy, memory and throughput.

In stdio mode the workload reads one JSON array of inputs per line on stdin
and answers each with one JSON array of outputs on stdout. In command mode
the command runs to completion and --num-items sets the item count used for
throughput.

With --image the command runs inside a new container; without it the command
is started as a local process. --builtin echo runs the reference echo workload
inside the harness instead, to measure harness overhead.`,
	Example: `  # Local stdio workload, fixed batches of 8
  effbench run --task echo --max-batch-size 8 -- ./model-server

  # Containerized workload with the GPU and energy monitors only
  effbench run --image ghcr.io/acme/model:latest --volume /data:/data:ro \
    --monitors gpu,energy --task qa --dataset /data/qa -- python serve.py

  # Command mode: run a batch job and divide by a known item count
  effbench run --mode command --num-items 5000 -- ./batch-infer --all

  # Offline scenario writing inputs to a file the workload reads
  effbench run --scenario offline --task echo -- effbench echo

  # Harness overhead with the in-process echo workload
  effbench run --builtin echo --builtin-delay 1ms --task echo

  # Save report files and raw outputs
  effbench run --output-dir results --save-outputs --task echo -- effbench echo`,
	Args: cobra.ArbitraryArgs,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()

	// Workload
	f.String("image", "", "run the command in a container from this image")
	f.StringSlice("volume", nil, "bind mount host:container[:rw|ro] (repeatable)")
	f.Bool("privileged", false, "run the container privileged")
	f.Bool("tty", false, "allocate a TTY for the workload")
	f.StringSlice("env", nil, "environment KEY=VALUE for the workload (repeatable)")
	f.String("workdir", "", "working directory for the workload")
	f.String("name", "", "run name, also used as the container name")
	f.Bool("auto-remove", true, "remove the container when it exits")
	f.String("mode", config.ModeStdio, "workload mode: stdio or command")
	f.Int("num-items", 0, "items processed by a command-mode workload")
	f.Duration("teardown-grace", wrapper.DefaultTeardownGrace, "time between SIGTERM and SIGKILL on teardown")
	f.String("builtin", "", "run an in-process workload instead of a command: echo")
	f.Duration("builtin-delay", 0, "per-item delay of the builtin echo workload")

	// Scenario
	f.String("scenario", "fixed_batch", "load scenario: single_stream, fixed_batch, random_batch, offline")
	f.Int("max-batch-size", 32, "largest batch sent in one request")
	f.String("split", "test", "task split to draw inputs from")
	f.Int("limit", -1, "use only the first N inputs (-1 for all)")
	f.String("offline-dir", "", "directory for offline input and output files")
	f.Int64("seed", 0, "random_batch seed (0 picks one from the clock)")

	// Task
	f.String("task", "", "registered task name")
	f.String("dataset", "", "JSONL file or directory of <split>.jsonl files")

	// Results
	f.String("output-dir", "", "write metrics.json and metrics.prom under <dir>/<scenario>")
	f.Bool("save-outputs", false, "also write outputs.json")
	f.String("run-id", "", "run identifier (default: generated)")

	// Monitors
	f.StringSlice("monitors", []string{"gpu", "energy", "container"}, "samplers to run (none to disable)")
	f.Duration("interval", 100*time.Millisecond, "sampling interval")
	f.Duration("stop-timeout", 5*time.Second, "how long to wait for each sampler to exit")
	f.IntSlice("gpus", nil, "GPU indices to sample (default all)")
	f.String("nvidia-smi", "nvidia-smi", "nvidia-smi binary")
	f.String("powercap-root", "/sys/class/powercap", "RAPL powercap sysfs root")

	// Observability
	f.String("metrics-addr", "", "serve live Prometheus metrics on this address")
	f.Bool("tracing", false, "export OTLP traces of the run phases")
	f.String("tracing-endpoint", "", "OTLP HTTP endpoint (default from OTEL_EXPORTER_OTLP_ENDPOINT)")

	bindFlags(f, map[string]string{
		"image":            "workload.image",
		"volume":           "workload.volumes",
		"privileged":       "workload.privileged",
		"tty":              "workload.tty",
		"env":              "workload.env",
		"workdir":          "workload.workdir",
		"name":             "run_name",
		"auto-remove":      "workload.auto_remove",
		"mode":             "workload.mode",
		"num-items":        "workload.num_items",
		"teardown-grace":   "workload.teardown_grace",
		"builtin":          "workload.builtin",
		"builtin-delay":    "workload.builtin_delay",
		"scenario":         "scenario.kind",
		"max-batch-size":   "scenario.max_batch_size",
		"split":            "scenario.split",
		"limit":            "scenario.limit",
		"offline-dir":      "scenario.offline_dir",
		"seed":             "scenario.seed",
		"task":             "task.name",
		"dataset":          "task.dataset",
		"output-dir":       "output_dir",
		"save-outputs":     "save_outputs",
		"run-id":           "run_id",
		"monitors":         "monitor.kinds",
		"interval":         "monitor.interval",
		"stop-timeout":     "monitor.stop_timeout",
		"gpus":             "monitor.gpus",
		"nvidia-smi":       "monitor.nvidia_smi",
		"powercap-root":    "monitor.powercap_root",
		"metrics-addr":     "metrics.addr",
		"tracing":          "tracing.enabled",
		"tracing-endpoint": "tracing.endpoint",
	})
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		viper.Set("workload.command", args)
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return berrors.New(berrors.ErrConfigInvalid, berrors.PhaseConfig, "invalid configuration", err)
	}

	logger := newLogger()
	defer logger.Close()
	if path, err := logger.AttachFile(cfg.Paths().RunDir); err != nil {
		logger.Warn("Run log not written", map[string]interface{}{"error": err.Error()})
	} else {
		logger.Debug("Logging to file", map[string]interface{}{"path": path})
	}

	ctx, cancel := shutdown.SignalContext(context.Background(), logger)
	defer cancel()

	cleanup := shutdown.New(10*time.Second, logger)
	defer cleanup.Shutdown()

	launcher, err := newLauncher(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := launcher.(io.Closer); ok {
		cleanup.Register("docker-client", shutdown.CloseResource(closer))
	}

	spawner, err := monitor.NewExecSpawner(logger)
	if err != nil {
		return berrors.New(berrors.ErrMonitorStartFailure, berrors.PhaseMonitoring, "prepare sampler spawner", err)
	}

	metrics := observability.NewMetrics()
	if cfg.Metrics.Addr != "" {
		srv := observability.NewServer(cfg.Metrics.Addr, metrics, logger)
		if err := srv.Start(); err != nil {
			return berrors.New(berrors.ErrConfigInvalid, berrors.PhaseConfig, "start metrics endpoint", err)
		}
		cleanup.Register("metrics-server", shutdown.StopHTTPServer(srv))
	}

	tracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return berrors.New(berrors.ErrConfigInvalid, berrors.PhaseConfig, "initialize tracing", err)
	}
	cleanup.Register("tracer", tracer.Shutdown)

	res, err := bench.New(cfg, bench.Deps{
		Launcher: launcher,
		Spawner:  spawner,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   logger,
	}).Run(ctx)
	if err != nil {
		fields := map[string]interface{}{"error": err.Error()}
		if be, ok := berrors.As(err); ok {
			fields["code"] = string(be.Code)
			fields["phase"] = string(be.Phase)
		}
		if res != nil && len(res.Outputs) > 0 {
			fields["outputs_received"] = len(res.Outputs)
		}
		logger.Error("Benchmark run failed", fields)
		return err
	}

	return report.Write(os.Stdout, res.Report, cfg.Output)
}

func newLauncher(cfg config.Config, logger *logging.Logger) (wrapper.Launcher, error) {
	if cfg.Workload.Builtin == config.BuiltinEcho {
		delay := cfg.Workload.BuiltinDelay
		l := wrapper.NewFuncLauncher(func(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
			return stdio.Serve(ctx, stdin, stdout, stdio.Echo(delay))
		})
		// process telemetry covers the harness, which hosts the workload
		l.PID = os.Getpid()
		return l, nil
	}
	if cfg.Workload.Containerized() {
		l, err := wrapper.NewContainerLauncher(logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	return wrapper.NewProcessLauncher(logger), nil
}
