// Package bench runs one benchmark: it launches the workload, samples
// telemetry around the measured window, drives the scenario and turns the
// recorded CSVs into a MetricsReport.
package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/effbench/internal/config"
	berrors "github.com/psantana5/effbench/internal/errors"
	"github.com/psantana5/effbench/internal/fsutil"
	"github.com/psantana5/effbench/internal/hostinfo"
	"github.com/psantana5/effbench/internal/ipc"
	"github.com/psantana5/effbench/internal/logging"
	"github.com/psantana5/effbench/internal/monitor"
	"github.com/psantana5/effbench/internal/observability"
	"github.com/psantana5/effbench/internal/observe"
	"github.com/psantana5/effbench/internal/report"
	"github.com/psantana5/effbench/internal/sampler"
	"github.com/psantana5/effbench/internal/scenario"
	"github.com/psantana5/effbench/internal/shutdown"
	"github.com/psantana5/effbench/internal/task"
	"github.com/psantana5/effbench/internal/tracing"
	"github.com/psantana5/effbench/internal/wrapper"
)

// cleanupTimeout bounds each deferred cleanup step of an aborted run.
const cleanupTimeout = 30 * time.Second

// HostDetector reports the host resources telemetry is scaled against.
type HostDetector interface {
	Detect(ctx context.Context) (hostinfo.Info, error)
}

// Deps are the collaborators of a run. Launcher and Spawner are required.
type Deps struct {
	Launcher wrapper.Launcher
	Spawner  monitor.Spawner
	Tasks    *task.Registry
	Host     HostDetector
	Metrics  *observability.Metrics
	Tracer   *tracing.Provider
	Logger   *logging.Logger
	// SupervisorOptions are appended after the ones derived from config.
	SupervisorOptions []monitor.Option
}

// Result is everything a run produced.
type Result struct {
	Report   report.MetricsReport
	Outputs  []json.RawMessage
	Accuracy *task.Accuracy
	Paths    config.Paths
	Events   []wrapper.LifecycleEvent
}

// Runner executes a single configured run.
type Runner struct {
	cfg  config.Config
	deps Deps
	log  *logging.Logger
}

// New creates a runner for cfg.
func New(cfg config.Config, deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Tasks == nil {
		deps.Tasks = task.Builtin()
	}
	if deps.Host == nil {
		deps.Host = hostinfo.NewDetector(cfg.Monitor.NvidiaSMI)
	}
	if deps.Tracer == nil {
		deps.Tracer, _ = tracing.InitTracer(context.Background(), tracing.Config{ServiceName: "effbench"}, nil)
	}
	return &Runner{cfg: cfg, deps: deps, log: deps.Logger.WithField("run_id", cfg.RunID)}
}

func (r *Runner) phase(ctx context.Context, p berrors.Phase) (context.Context, func(error)) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.EnterPhase(p)
	}
	r.log.Debug("Entering phase", map[string]interface{}{"phase": string(p)})
	return r.deps.Tracer.Phase(ctx, p, attribute.String("effbench.run_id", r.cfg.RunID))
}

func (r *Runner) stdio() bool {
	return r.cfg.Workload.Mode == config.ModeStdio
}

// Run executes the benchmark. Fatal errors are *errors.BenchError naming
// their phase; the returned Result is never nil and carries any outputs
// received before a scheduling failure.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	paths := r.cfg.Paths()
	res := &Result{Paths: paths}
	warnings := berrors.NewWarnings(nil)
	cleanup := shutdown.New(cleanupTimeout, r.log)
	defer cleanup.Shutdown()

	r.log.Info("Starting benchmark run", map[string]interface{}{
		"run_name": r.cfg.RunName,
		"scenario": string(r.cfg.Scenario.Kind),
		"mode":     r.cfg.Workload.Mode,
	})

	// config: directories, task, host, offline staging
	cctx, end := r.phase(ctx, berrors.PhaseConfig)
	inputs, tk, host, err := r.prepare(cctx, paths, warnings)
	end(err)
	if err != nil {
		return res, err
	}
	var sched *scenario.Scheduler
	if r.stdio() {
		// staged before the monitors start so file I/O is not sampled
		sched = r.scheduler(paths, nil)
		if err := sched.Stage(inputs); err != nil {
			return res, berrors.New(berrors.ErrConfigInvalid, berrors.PhaseScheduling, "stage offline inputs", err)
		}
	}

	// launch: a stdio workload starts now and idles until the first
	// request; a command workload only starts inside the measured window
	lctx, end := r.phase(ctx, berrors.PhaseLaunch)
	wl, err := r.deps.Launcher.Prepare(lctx, r.spec(paths))
	if err == nil && r.stdio() {
		if err = wl.Start(lctx); err != nil {
			wl.Teardown(context.Background())
		}
	}
	end(err)
	if err != nil {
		return res, asBenchError(err, berrors.ErrLaunchFailure, berrors.PhaseLaunch, "launch workload")
	}
	var teardownOnce bool
	teardown := func(ctx context.Context) {
		if teardownOnce {
			return
		}
		teardownOnce = true
		if err := wl.Teardown(ctx); err != nil {
			warnings.AddError(berrors.ErrTeardownFailure, berrors.PhaseLaunch, err)
		}
		res.Events = wl.Events()
	}
	cleanup.Register("workload", func(ctx context.Context) error {
		teardown(ctx)
		return nil
	})

	// monitoring
	mctx, end := r.phase(ctx, berrors.PhaseMonitoring)
	sup := monitor.NewSupervisor(r.deps.Spawner, r.samplerSpecs(paths, wl), r.supervisorOptions()...)
	handles, err := sup.Start(mctx)
	end(err)
	if err != nil {
		return res, asBenchError(err, berrors.ErrMonitorStartFailure, berrors.PhaseMonitoring, "start monitors")
	}
	r.setMonitorsUp(len(handles))
	cleanup.Register("monitors", func(context.Context) error {
		warnings.Merge(sup.Stop())
		return nil
	})

	// scheduling: the measured window
	sctx, end := r.phase(ctx, berrors.PhaseScheduling)
	timing := observe.NewTiming()
	var schedErr, startErr error
	items := 0
	if r.stdio() {
		var opts []ipc.Option
		// only a container allocates a terminal that echoes input
		if r.cfg.Workload.TTY && wl.ContainerID() != "" {
			opts = append(opts, ipc.WithEchoSkip())
		}
		ch := ipc.NewChannel(wl.Stdin, wl.Stdout, opts...)
		defer ch.Close()
		sched.Connect(ch)
		res.Outputs, schedErr = sched.Run(sctx, inputs)
		items = len(res.Outputs)
	} else if startErr = r.startCommand(sctx, wl, paths); startErr == nil {
		schedErr = wl.Wait(sctx)
		items = r.cfg.Workload.NumItems
	}
	timing.Complete()
	end(errors.Join(startErr, schedErr))

	r.log.Info("Measured window closed", map[string]interface{}{
		"elapsed_s": timing.Seconds(),
		"items":     items,
	})

	// stop samplers before anything else so the window is not padded
	warnings.Merge(sup.Stop())
	r.setMonitorsUp(0)
	tctx, cancel := context.WithTimeout(context.Background(), r.cfg.Workload.TeardownGrace+cleanupTimeout)
	teardown(tctx)
	cancel()

	if startErr != nil {
		return res, asBenchError(startErr, berrors.ErrLaunchFailure, berrors.PhaseLaunch, "start workload")
	}
	if schedErr != nil {
		return res, r.schedulingError(schedErr)
	}
	if !r.stdio() && wl.ExitCode() != 0 {
		warnings.Add(berrors.ErrLaunchFailure, berrors.PhaseLaunch, "workload",
			fmt.Sprintf("workload command exited with code %d (%s)", wl.ExitCode(), wl.ExitReason()))
	}

	// aggregation
	_, end = r.phase(ctx, berrors.PhaseAggregation)
	if tk != nil && len(res.Outputs) > 0 {
		res.Accuracy = r.score(tk, res.Outputs, warnings)
	}
	rep, err := report.Aggregate(r.aggregateInputs(paths, timing.Duration(), items, host), warnings)
	end(err)
	if err != nil {
		return res, err
	}
	rep.RunID = r.cfg.RunID
	rep.Scenario = string(r.cfg.Scenario.Kind)
	if tk != nil {
		rep.Task = tk.Name()
	}
	if res.Accuracy != nil {
		acc := res.Accuracy.Accuracy
		rep.Accuracy = &acc
	}

	// output
	_, end = r.phase(ctx, berrors.PhaseOutput)
	rep.Warnings = warnings.List()
	if err := r.save(paths, res, rep); err != nil {
		warnings.AddError(berrors.ErrOutputFailure, berrors.PhaseOutput, err)
		r.log.Warn("Results not written, printing only", map[string]interface{}{"error": err.Error()})
		rep.Warnings = warnings.List()
	}
	end(nil)
	res.Report = rep

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordWarnings(rep.Warnings)
	}
	report.LogSummary(r.log, rep)
	return res, nil
}

func (r *Runner) prepare(ctx context.Context, paths config.Paths, warnings *berrors.Warnings) ([]json.RawMessage, task.Task, hostinfo.Info, error) {
	var host hostinfo.Info
	for _, dir := range []string{paths.RunDir, paths.TelemetryDir} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return nil, nil, host, berrors.New(berrors.ErrConfigInvalid, berrors.PhaseConfig, "create run directory", err)
		}
	}

	var inputs []json.RawMessage
	var tk task.Task
	if r.stdio() {
		var err error
		tk, err = task.Resolve(r.deps.Tasks, r.cfg.Task.Name, r.cfg.Task.Dataset)
		if err != nil {
			return nil, nil, host, berrors.New(berrors.ErrConfigInvalid, berrors.PhaseConfig, "resolve task", err)
		}
		all, err := tk.Inputs(r.cfg.Scenario.Split)
		if err != nil {
			return nil, nil, host, berrors.New(berrors.ErrConfigInvalid, berrors.PhaseConfig,
				fmt.Sprintf("load %s split of task %s", r.cfg.Scenario.Split, tk.Name()), err)
		}
		inputs = scenario.Truncate(all, r.cfg.Scenario.Limit)
		r.log.Info("Task loaded", map[string]interface{}{
			"task":  tk.Name(),
			"split": r.cfg.Scenario.Split,
			"items": len(inputs),
		})
	}

	host, err := r.deps.Host.Detect(ctx)
	if err != nil {
		warnings.Add(berrors.ErrConfigInvalid, berrors.PhaseConfig, "host",
			fmt.Sprintf("host detection failed, memory metrics will be 0: %v", err))
	}
	if host.LogicalCPUs < 1 {
		host.LogicalCPUs = runtime.NumCPU()
	}
	return inputs, tk, host, nil
}

func (r *Runner) spec(paths config.Paths) wrapper.Spec {
	w := r.cfg.Workload
	return wrapper.Spec{
		Name:          r.cfg.RunName,
		Command:       w.Command,
		Image:         w.Image,
		Volumes:       r.volumes(paths),
		Privileged:    w.Privileged,
		TTY:           w.TTY,
		Env:           w.Env,
		WorkDir:       w.WorkDir,
		AutoRemove:    w.AutoRemove,
		Interactive:   r.stdio(),
		TeardownGrace: w.TeardownGrace,
	}
}

// volumes adds read-write binds of the run directory, and of an offline
// directory outside it, at their host paths so that paths handed to the
// workload resolve inside a container too.
func (r *Runner) volumes(paths config.Paths) []string {
	vols := append([]string(nil), r.cfg.Workload.Volumes...)
	if !r.cfg.Workload.Containerized() {
		return vols
	}
	dirs := []string{paths.RunDir}
	if r.stdio() && r.cfg.Scenario.Kind == scenario.Offline && !within(paths.OfflineDir, paths.RunDir) {
		dirs = append(dirs, paths.OfflineDir)
	}
	for _, dir := range dirs {
		vols = append(vols, config.Volume{Host: dir, Container: dir}.Bind())
	}
	return vols
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// startCommand runs a command-mode workload and publishes its pid for a
// process sampler that started before it existed.
func (r *Runner) startCommand(ctx context.Context, wl *wrapper.Workload, paths config.Paths) error {
	if err := wl.Start(ctx); err != nil {
		return err
	}
	if wl.ContainerID() != "" || wl.PID() <= 0 || !r.cfg.Monitor.Enabled(sampler.Container) {
		return nil
	}
	if err := fsutil.WriteFileAtomic(paths.PIDFile(), []byte(strconv.Itoa(wl.PID())+"\n"), 0o644); err != nil {
		r.log.Warn("Workload pid not published, process telemetry will be empty", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

func (r *Runner) samplerSpecs(paths config.Paths, wl *wrapper.Workload) []sampler.Options {
	m := r.cfg.Monitor
	specs := make([]sampler.Options, 0, len(m.Kinds))
	for _, kind := range m.Kinds {
		opts := sampler.Options{
			Kind:         kind,
			Out:          paths.Telemetry(kind),
			Interval:     m.Interval,
			NvidiaSMI:    m.NvidiaSMI,
			GPUs:         m.GPUs,
			PowercapRoot: m.PowercapRoot,
			ParentPID:    os.Getpid(),
		}
		if kind == sampler.Container {
			opts.ContainerID = wl.ContainerID()
			switch {
			case opts.ContainerID != "":
			case wl.PID() > 0:
				opts.PID = wl.PID()
			default:
				opts.PIDFile = paths.PIDFile()
			}
			// the harness's own children are the samplers
			opts.RootOnly = r.cfg.Workload.Builtin != ""
		}
		specs = append(specs, opts)
	}
	return specs
}

func (r *Runner) supervisorOptions() []monitor.Option {
	opts := []monitor.Option{
		monitor.WithStopTimeout(r.cfg.Monitor.StopTimeout),
		monitor.WithLogger(r.log.Component("monitor")),
	}
	return append(opts, r.deps.SupervisorOptions...)
}

func (r *Runner) setMonitorsUp(n int) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.MonitorsUp.Set(float64(n))
	}
}

func (r *Runner) scheduler(paths config.Paths, ex scenario.Exchanger) *scenario.Scheduler {
	opts := []scenario.Option{
		scenario.WithOfflineDir(paths.OfflineDir),
		scenario.WithLogger(r.log.Component("scheduler")),
	}
	if r.deps.Metrics != nil {
		opts = append(opts, scenario.WithObserver(r.deps.Metrics.Observer(r.cfg.Scenario.Kind)))
	}
	return scenario.New(r.cfg.Scenario, ex, opts...)
}

func (r *Runner) schedulingError(err error) error {
	if !r.stdio() {
		return berrors.New(berrors.ErrLaunchFailure, berrors.PhaseScheduling, "workload command interrupted", err)
	}
	var perr *ipc.ProtocolError
	if errors.As(err, &perr) || errors.Is(err, ipc.ErrBroken) {
		return berrors.New(berrors.ErrIPCProtocol, berrors.PhaseScheduling, "workload exchange failed", err)
	}
	return berrors.New(berrors.ErrIPCProtocol, berrors.PhaseScheduling, "scheduling aborted", err)
}

func (r *Runner) score(tk task.Task, outputs []json.RawMessage, warnings *berrors.Warnings) *task.Accuracy {
	acc, err := tk.Score(r.cfg.Scenario.Split, outputs)
	if errors.Is(err, task.ErrNoTargets) {
		r.log.Debug("Task has no targets, skipping accuracy", map[string]interface{}{"task": tk.Name()})
		return nil
	}
	if err != nil {
		warnings.Add(berrors.ErrOutputFailure, berrors.PhaseAggregation, "accuracy", err.Error())
		return nil
	}
	return &acc
}

func (r *Runner) aggregateInputs(paths config.Paths, elapsed time.Duration, items int, host hostinfo.Info) report.Inputs {
	in := report.Inputs{
		Elapsed:     elapsed,
		Items:       items,
		LogicalCPUs: host.LogicalCPUs,
		TotalMemGiB: host.TotalMemGiB,
	}
	if r.cfg.Monitor.Enabled(sampler.GPU) {
		in.GPU = paths.Telemetry(sampler.GPU)
	}
	if r.cfg.Monitor.Enabled(sampler.Energy) {
		in.Energy = paths.Telemetry(sampler.Energy)
	}
	if r.cfg.Monitor.Enabled(sampler.Container) {
		in.Container = paths.Telemetry(sampler.Container)
	}
	return in
}

func (r *Runner) save(paths config.Paths, res *Result, rep report.MetricsReport) error {
	if paths.ResultDir == "" {
		return nil
	}
	if err := report.Save(paths.ResultDir, rep); err != nil {
		return err
	}
	if r.cfg.SaveOutputs {
		if err := report.SaveJSON(paths.ResultDir, report.OutputsFile, res.Outputs); err != nil {
			return err
		}
	}
	if res.Accuracy != nil {
		if err := report.SaveJSON(paths.ResultDir, report.AccuracyFile, res.Accuracy); err != nil {
			return err
		}
	}
	r.log.Info("Results written", map[string]interface{}{"dir": filepath.Clean(paths.ResultDir)})
	return nil
}

func asBenchError(err error, code berrors.Code, phase berrors.Phase, msg string) error {
	if _, ok := berrors.As(err); ok {
		return err
	}
	return berrors.New(code, phase, msg, err)
}
