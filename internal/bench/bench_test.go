package bench

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/effbench/internal/config"
	berrors "github.com/psantana5/effbench/internal/errors"
	"github.com/psantana5/effbench/internal/hostinfo"
	"github.com/psantana5/effbench/internal/monitor"
	"github.com/psantana5/effbench/internal/observability"
	"github.com/psantana5/effbench/internal/observe"
	"github.com/psantana5/effbench/internal/report"
	"github.com/psantana5/effbench/internal/sampler"
	"github.com/psantana5/effbench/internal/scenario"
	"github.com/psantana5/effbench/internal/task"
	"github.com/psantana5/effbench/internal/wrapper"
	"github.com/psantana5/effbench/pkg/stdio"
)

const ts = "2024-01-01T00:00:00Z"

var telemetry = map[sampler.Kind]string{
	sampler.GPU:       "timestamp,energy,max_mem\n" + ts + ",3,1.5\n" + ts + ",2,2.5\n",
	sampler.Energy:    "timestamp,cpu_energy,dram_energy\n" + ts + ",10,4\n" + ts + ",20,6\n",
	sampler.Container: "timestamp,cpu_util,mem_util\n" + ts + ",50.00%,10.00%\n" + ts + ",50.00%,10.00%\n",
}

type fakeProcess struct {
	pid        int
	ignoreTerm bool
	done       chan struct{}
	once       sync.Once
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	if sig == syscall.SIGKILL || !p.ignoreTerm {
		p.once.Do(func() { close(p.done) })
	}
	return nil
}

func (p *fakeProcess) Wait(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return observe.ErrWaitTimeout
	}
}

func (p *fakeProcess) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// fakeSpawner writes canned telemetry instead of sampling.
type fakeSpawner struct {
	mu         sync.Mutex
	specs      []sampler.Options
	ignoreTerm sampler.Kind
	failSpawn  sampler.Kind
	noFile     sampler.Kind
	// watch is checked for existence at every spawn
	watch   string
	watched []bool
}

func (s *fakeSpawner) Spawn(_ context.Context, opts sampler.Options) (observe.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, opts)
	if s.watch != "" {
		_, err := os.Stat(s.watch)
		s.watched = append(s.watched, err == nil)
	}
	if opts.Kind == s.failSpawn {
		return nil, errors.New("exec format error")
	}
	if opts.Kind != s.noFile {
		if err := os.WriteFile(opts.Out, []byte(telemetry[opts.Kind]), 0o644); err != nil {
			return nil, err
		}
	}
	return &fakeProcess{pid: 2000 + len(s.specs), ignoreTerm: opts.Kind == s.ignoreTerm, done: make(chan struct{})}, nil
}

func (s *fakeSpawner) spawned() []sampler.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sampler.Options(nil), s.specs...)
}

type fakeHost struct{}

func (fakeHost) Detect(context.Context) (hostinfo.Info, error) {
	return hostinfo.Info{LogicalCPUs: 1, TotalMemGiB: 16}, nil
}

type failingLauncher struct{}

func (failingLauncher) Prepare(context.Context, wrapper.Spec) (*wrapper.Workload, error) {
	return nil, errors.New("no such image")
}

func echoLauncher() *wrapper.FuncLauncher {
	return wrapper.NewFuncLauncher(func(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
		return stdio.Serve(ctx, stdin, stdout, stdio.Echo(0))
	})
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	work := t.TempDir()
	return config.Config{
		RunID:       "run-1",
		RunName:     "effbench-run-1",
		WorkDir:     work,
		OutputDir:   filepath.Join(work, "results"),
		SaveOutputs: true,
		Workload: config.Workload{
			Command:       []string{"in-process"},
			Mode:          config.ModeStdio,
			TeardownGrace: time.Second,
		},
		Scenario: scenario.Config{
			Kind:         scenario.FixedBatch,
			MaxBatchSize: 4,
			Split:        "test",
			Limit:        -1,
			Seed:         1,
		},
		Monitor: config.Monitor{
			Kinds:       sampler.Kinds(),
			Interval:    10 * time.Millisecond,
			StopTimeout: 200 * time.Millisecond,
		},
		Task: config.Task{Name: "echo"},
	}
}

func testDeps(launcher wrapper.Launcher, spawner monitor.Spawner) Deps {
	return Deps{
		Launcher: launcher,
		Spawner:  spawner,
		Tasks:    task.NewRegistry(task.EchoTask{Size: 10}),
		Host:     fakeHost{},
		Metrics:  observability.NewMetrics(),
	}
}

func TestRunStdioFixedBatch(t *testing.T) {
	cfg := testConfig(t)
	spawner := &fakeSpawner{}
	deps := testDeps(echoLauncher(), spawner)

	res, err := New(cfg, deps).Run(context.Background())
	require.NoError(t, err)

	inputs, _ := task.EchoTask{Size: 10}.Inputs("test")
	require.Len(t, res.Outputs, 10)
	for i := range inputs {
		assert.JSONEq(t, string(inputs[i]), string(res.Outputs[i]))
	}

	rep := res.Report
	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, "fixed_batch", rep.Scenario)
	assert.Equal(t, "echo", rep.Task)
	assert.Equal(t, 10, rep.NumItems)
	assert.Greater(t, rep.TimeElapsed, 0.0)
	assert.InDelta(t, float64(rep.NumItems)/rep.TimeElapsed, rep.Throughput, 1e-6)
	assert.InDelta(t, 5.0, rep.GPUEnergy, 1e-9)
	assert.InDelta(t, 2.5, rep.MaxGPUMem, 1e-9)
	assert.InDelta(t, 15.0, rep.CPUEnergy, 1e-9)
	assert.InDelta(t, 1.0, rep.MemEnergy, 1e-9)
	assert.InDelta(t, 1.6, rep.MaxDRAMMem, 1e-9)
	assert.InDelta(t, rep.GPUEnergy+rep.CPUEnergy+rep.MemEnergy, rep.TotalEnergy, 1e-6)
	require.NotNil(t, rep.Accuracy)
	assert.Equal(t, 1.0, *rep.Accuracy)
	assert.Empty(t, rep.Warnings)

	// samplers write under the run directory and watch the harness pid
	specs := spawner.spawned()
	require.Len(t, specs, 3)
	for _, s := range specs {
		assert.Equal(t, filepath.Join(cfg.WorkDir, "runs", "run-1", "telemetry", string(s.Kind)+".csv"), s.Out)
		assert.Equal(t, os.Getpid(), s.ParentPID)
	}

	for _, name := range []string{report.MetricsJSONFile, report.MetricsPromFile, report.OutputsFile, report.AccuracyFile} {
		_, err := os.Stat(filepath.Join(cfg.OutputDir, "fixed_batch", name))
		assert.NoError(t, err, name)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(deps.Metrics.BatchesTotal.WithLabelValues("fixed_batch")))
	assert.Equal(t, 10.0, testutil.ToFloat64(deps.Metrics.ItemsTotal.WithLabelValues("fixed_batch")))
	assert.Equal(t, 0.0, testutil.ToFloat64(deps.Metrics.MonitorsUp))

	require.NotEmpty(t, res.Events)
	assert.Equal(t, wrapper.StateCompleted, res.Events[len(res.Events)-1].State)
}

func TestRunScenariosPreserveOrder(t *testing.T) {
	for _, kind := range scenario.Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Scenario.Kind = kind
			cfg.Scenario.Limit = 7

			res, err := New(cfg, testDeps(echoLauncher(), &fakeSpawner{})).Run(context.Background())
			require.NoError(t, err)
			require.Len(t, res.Outputs, 7)
			for i, out := range res.Outputs {
				assert.Equal(t, `"item-`+string(rune('0'+i))+`"`, string(out))
			}
			assert.Equal(t, 7, res.Report.NumItems)
		})
	}
}

func TestRunStopTimeoutIsAWarning(t *testing.T) {
	cfg := testConfig(t)
	res, err := New(cfg, testDeps(echoLauncher(), &fakeSpawner{ignoreTerm: sampler.GPU})).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Report.Warnings, 1)
	w := res.Report.Warnings[0]
	assert.Equal(t, berrors.ErrMonitorStopTimeout, w.Code)
	assert.Equal(t, "gpu", w.Component)
	assert.InDelta(t, 5.0, res.Report.GPUEnergy, 1e-9)
}

func TestRunProtocolErrorReturnsPartialOutputs(t *testing.T) {
	// echoes the first request, then answers every later one with a single item
	launcher := wrapper.NewFuncLauncher(func(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
		sc := bufio.NewScanner(stdin)
		for first := true; sc.Scan(); first = false {
			line := sc.Text()
			if !first {
				line = `["short"]`
			}
			if _, err := io.WriteString(stdout, line+"\n"); err != nil {
				return err
			}
		}
		return nil
	})
	cfg := testConfig(t)

	res, err := New(cfg, testDeps(launcher, &fakeSpawner{})).Run(context.Background())
	require.Error(t, err)
	assert.True(t, berrors.HasCode(err, berrors.ErrIPCProtocol))
	phase, _ := berrors.PhaseOf(err)
	assert.Equal(t, berrors.PhaseScheduling, phase)
	assert.Len(t, res.Outputs, 4)
}

func TestRunLaunchFailure(t *testing.T) {
	spawner := &fakeSpawner{}
	_, err := New(testConfig(t), testDeps(failingLauncher{}, spawner)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, berrors.HasCode(err, berrors.ErrLaunchFailure))
	assert.Empty(t, spawner.spawned())
}

func TestRunMonitorStartFailureTearsDownWorkload(t *testing.T) {
	var wl *wrapper.Workload
	launcher := &capturingLauncher{inner: echoLauncher(), got: &wl}

	_, err := New(testConfig(t), testDeps(launcher, &fakeSpawner{failSpawn: sampler.Energy})).Run(context.Background())
	require.Error(t, err)
	assert.True(t, berrors.HasCode(err, berrors.ErrMonitorStartFailure))
	require.NotNil(t, wl)
	assert.False(t, wl.Alive())
}

type capturingLauncher struct {
	inner wrapper.Launcher
	got   **wrapper.Workload
	spec  wrapper.Spec
}

func (l *capturingLauncher) Prepare(ctx context.Context, spec wrapper.Spec) (*wrapper.Workload, error) {
	w, err := l.inner.Prepare(ctx, spec)
	*l.got = w
	l.spec = spec
	return w, err
}

func TestRunMissingTelemetryIsFatal(t *testing.T) {
	deps := testDeps(echoLauncher(), &fakeSpawner{noFile: sampler.Energy})
	deps.SupervisorOptions = []monitor.Option{monitor.WithReady(func(*monitor.Handle) bool { return true })}

	_, err := New(testConfig(t), deps).Run(context.Background())
	require.Error(t, err)
	assert.True(t, berrors.HasCode(err, berrors.ErrTelemetryFileMissing))
	phase, _ := berrors.PhaseOf(err)
	assert.Equal(t, berrors.PhaseAggregation, phase)
}

func TestRunDisabledMonitorsAreNotRequired(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.Kinds = []sampler.Kind{sampler.GPU}
	spawner := &fakeSpawner{}

	res, err := New(cfg, testDeps(echoLauncher(), spawner)).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, spawner.spawned(), 1)
	assert.Zero(t, res.Report.CPUEnergy)
	assert.InDelta(t, 5.0, res.Report.TotalEnergy, 1e-9)
}

func TestRunCommandMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workload.Mode = config.ModeCommand
	cfg.Workload.NumItems = 50
	cfg.Task = config.Task{}
	launcher := wrapper.NewFuncLauncher(func(ctx context.Context, _ io.Reader, _ io.Writer) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	res, err := New(cfg, testDeps(launcher, &fakeSpawner{})).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)
	assert.Equal(t, 50, res.Report.NumItems)
	assert.GreaterOrEqual(t, res.Report.TimeElapsed, 0.05)
	assert.Greater(t, res.Report.Throughput, 0.0)
	assert.Nil(t, res.Report.Accuracy)
}

func TestRunCommandModeNonZeroExitWarns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workload.Mode = config.ModeCommand
	cfg.Task = config.Task{}
	launcher := wrapper.NewFuncLauncher(func(context.Context, io.Reader, io.Writer) error {
		return errors.New("model crashed")
	})

	res, err := New(cfg, testDeps(launcher, &fakeSpawner{})).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Report.Warnings, 1)
	assert.Contains(t, res.Report.Warnings[0].Message, "exited with code 1")
}

func TestRunUnknownTask(t *testing.T) {
	cfg := testConfig(t)
	cfg.Task.Name = "squad"
	var wl *wrapper.Workload
	_, err := New(cfg, testDeps(&capturingLauncher{inner: echoLauncher(), got: &wl}, &fakeSpawner{})).Run(context.Background())
	require.Error(t, err)
	assert.True(t, berrors.HasCode(err, berrors.ErrConfigInvalid))
	assert.Nil(t, wl)
}

func TestRunOutputDirFailureFallsBackToPrinting(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.WorkDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg.OutputDir = blocker

	res, err := New(cfg, testDeps(echoLauncher(), &fakeSpawner{})).Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.Report.Warnings)
	last := res.Report.Warnings[len(res.Report.Warnings)-1]
	assert.Equal(t, berrors.ErrOutputFailure, last.Code)
	assert.True(t, strings.HasPrefix(res.Paths.ResultDir, blocker))
}

func TestRunCommandModeStartsAfterMonitorsAreReady(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workload.Mode = config.ModeCommand
	cfg.Workload.NumItems = 100
	cfg.Task = config.Task{}

	var mu sync.Mutex
	var readyAt, startedAt time.Time
	launcher := wrapper.NewFuncLauncher(func(ctx context.Context, _ io.Reader, _ io.Writer) error {
		mu.Lock()
		startedAt = time.Now()
		mu.Unlock()
		time.Sleep(400 * time.Millisecond)
		return nil
	})
	deps := testDeps(launcher, &fakeSpawner{})
	begin := time.Now()
	deps.SupervisorOptions = []monitor.Option{monitor.WithReady(func(*monitor.Handle) bool {
		if time.Since(begin) < 250*time.Millisecond {
			return false
		}
		mu.Lock()
		if readyAt.IsZero() {
			readyAt = time.Now()
		}
		mu.Unlock()
		return true
	})}

	res, err := New(cfg, deps).Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, startedAt.IsZero())
	assert.True(t, startedAt.After(readyAt), "workload started before the samplers were ready")
	assert.GreaterOrEqual(t, res.Report.TimeElapsed, 0.4)
	assert.LessOrEqual(t, res.Report.Throughput, 100/0.4)
}

func TestRunCommandModeSamplesLocalProcessThroughPIDFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workload.Mode = config.ModeCommand
	cfg.Task = config.Task{}
	spawner := &fakeSpawner{}
	launcher := wrapper.NewFuncLauncher(func(context.Context, io.Reader, io.Writer) error { return nil })
	launcher.PID = 4321

	res, err := New(cfg, testDeps(launcher, spawner)).Run(context.Background())
	require.NoError(t, err)

	var container *sampler.Options
	for _, s := range spawner.spawned() {
		if s.Kind == sampler.Container {
			s := s
			container = &s
		}
	}
	require.NotNil(t, container)
	assert.Zero(t, container.PID)
	assert.Equal(t, res.Paths.PIDFile(), container.PIDFile)
	data, err := os.ReadFile(res.Paths.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, "4321\n", string(data))
}

func TestRunStagesOfflineInputsBeforeMonitors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scenario.Kind = scenario.Offline
	spawner := &fakeSpawner{watch: filepath.Join(cfg.Paths().OfflineDir, "inputs.jsonl")}

	res, err := New(cfg, testDeps(echoLauncher(), spawner)).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 10)
	require.Len(t, spawner.watched, 3)
	for _, staged := range spawner.watched {
		assert.True(t, staged)
	}
}

func TestRunContainerBindsRunDirectory(t *testing.T) {
	tests := []struct {
		name       string
		kind       scenario.Kind
		offlineDir bool
		image      string
		wantExtra  int
	}{
		{"local process", scenario.FixedBatch, false, "", 0},
		{"container", scenario.FixedBatch, false, "bench/model:1", 1},
		{"container offline in run dir", scenario.Offline, false, "bench/model:1", 1},
		{"container offline elsewhere", scenario.Offline, true, "bench/model:1", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Scenario.Kind = tt.kind
			cfg.Workload.Image = tt.image
			cfg.Workload.Volumes = []string{"/data:/data:ro"}
			if tt.offlineDir {
				cfg.Scenario.OfflineDir = filepath.Join(t.TempDir(), "staging")
			}
			var wl *wrapper.Workload
			launcher := &capturingLauncher{inner: echoLauncher(), got: &wl}

			res, err := New(cfg, testDeps(launcher, &fakeSpawner{})).Run(context.Background())
			require.NoError(t, err)

			vols := launcher.spec.Volumes
			require.Len(t, vols, 1+tt.wantExtra)
			assert.Equal(t, "/data:/data:ro", vols[0])
			if tt.wantExtra > 0 {
				assert.Equal(t, res.Paths.RunDir+":"+res.Paths.RunDir+":rw", vols[1])
			}
			if tt.wantExtra > 1 {
				assert.Equal(t, res.Paths.OfflineDir+":"+res.Paths.OfflineDir+":rw", vols[2])
			}
		})
	}
}

func TestRunTTYWithoutContainerKeepsIdenticalResponses(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workload.TTY = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := New(cfg, testDeps(echoLauncher(), &fakeSpawner{})).Run(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 10)
}

func TestRunBuiltinSamplesHarnessWithoutChildren(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workload.Command = nil
	cfg.Workload.Builtin = config.BuiltinEcho
	spawner := &fakeSpawner{}
	launcher := echoLauncher()
	launcher.PID = os.Getpid()

	_, err := New(cfg, testDeps(launcher, spawner)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, launcher.Launches())
	for _, s := range spawner.spawned() {
		if s.Kind != sampler.Container {
			continue
		}
		assert.Equal(t, os.Getpid(), s.PID)
		assert.True(t, s.RootOnly)
	}
}
