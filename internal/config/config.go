package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/psantana5/effbench/internal/sampler"
	"github.com/psantana5/effbench/internal/scenario"
)

// Workload modes.
const (
	ModeStdio   = "stdio"
	ModeCommand = "command"
)

// BuiltinEcho is the in-process echo workload.
const BuiltinEcho = "echo"

// Config is the immutable run configuration. It is built once by Load and
// passed by value; nothing in the harness reads viper after that.
type Config struct {
	RunID       string
	RunName     string
	WorkDir     string
	OutputDir   string
	SaveOutputs bool
	Output      string

	Workload Workload
	Scenario scenario.Config
	Monitor  Monitor
	Task     Task
	Log      Log
	Metrics  Metrics
	Tracing  Tracing
}

// Workload describes how to start the system under test.
type Workload struct {
	Command       []string
	Image         string
	Volumes       []string
	Privileged    bool
	TTY           bool
	Env           map[string]string
	WorkDir       string
	AutoRemove    bool
	Mode          string
	NumItems      int
	TeardownGrace time.Duration
	// Builtin names an in-process workload run instead of Command or Image.
	Builtin      string
	BuiltinDelay time.Duration
}

// Containerized reports whether the workload runs in a container.
func (w Workload) Containerized() bool {
	return w.Image != ""
}

// Monitor configures the telemetry samplers.
type Monitor struct {
	Kinds        []sampler.Kind
	Interval     time.Duration
	StopTimeout  time.Duration
	NvidiaSMI    string
	GPUs         []int
	PowercapRoot string
}

// Enabled reports whether kind is sampled this run.
func (m Monitor) Enabled(kind sampler.Kind) bool {
	for _, k := range m.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Task selects the inputs fed to the workload.
type Task struct {
	Name    string
	Dataset string
}

// Log configures the harness logger.
type Log struct {
	Level string
	JSON  bool
}

// Metrics configures the optional live metrics endpoint.
type Metrics struct {
	Addr string
}

// Tracing configures OTLP span export.
type Tracing struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("work_dir", ".effbench")
	v.SetDefault("output", "table")
	v.SetDefault("workload.mode", ModeStdio)
	v.SetDefault("workload.auto_remove", true)
	v.SetDefault("workload.teardown_grace", 10*time.Second)
	v.SetDefault("scenario.kind", string(scenario.FixedBatch))
	v.SetDefault("scenario.max_batch_size", 32)
	v.SetDefault("scenario.split", "test")
	v.SetDefault("scenario.limit", -1)
	v.SetDefault("monitor.kinds", []string{"gpu", "energy", "container"})
	v.SetDefault("monitor.interval", sampler.DefaultInterval)
	v.SetDefault("monitor.stop_timeout", 5*time.Second)
	v.SetDefault("monitor.nvidia_smi", "nvidia-smi")
	v.SetDefault("monitor.powercap_root", "/sys/class/powercap")
	v.SetDefault("log.level", "info")
	v.SetDefault("tracing.service_name", "effbench")
}

// Load builds a Config from v. Missing keys take the SetDefaults values.
func Load(v *viper.Viper) (Config, error) {
	kind, err := scenario.ParseKind(v.GetString("scenario.kind"))
	if err != nil {
		return Config{}, err
	}

	kinds := make([]sampler.Kind, 0, 3)
	for _, name := range v.GetStringSlice("monitor.kinds") {
		name = strings.TrimSpace(name)
		if name == "" || name == "none" {
			continue
		}
		k, err := sampler.ParseKind(name)
		if err != nil {
			return Config{}, err
		}
		kinds = append(kinds, k)
	}

	env, err := parseEnv(v.GetStringSlice("workload.env"))
	if err != nil {
		return Config{}, err
	}

	runID := v.GetString("run_id")
	if runID == "" {
		runID = NewRunID(time.Now())
	}
	runName := v.GetString("run_name")
	if runName == "" {
		runName = "effbench-" + runID
	}

	workDir, err := filepath.Abs(v.GetString("work_dir"))
	if err != nil {
		return Config{}, fmt.Errorf("resolve work_dir: %w", err)
	}

	cfg := Config{
		RunID:       runID,
		RunName:     runName,
		WorkDir:     workDir,
		OutputDir:   v.GetString("output_dir"),
		SaveOutputs: v.GetBool("save_outputs"),
		Output:      v.GetString("output"),
		Workload: Workload{
			Command:       v.GetStringSlice("workload.command"),
			Image:         v.GetString("workload.image"),
			Volumes:       v.GetStringSlice("workload.volumes"),
			Privileged:    v.GetBool("workload.privileged"),
			TTY:           v.GetBool("workload.tty"),
			Env:           env,
			WorkDir:       v.GetString("workload.workdir"),
			AutoRemove:    v.GetBool("workload.auto_remove"),
			Mode:          v.GetString("workload.mode"),
			NumItems:      v.GetInt("workload.num_items"),
			TeardownGrace: v.GetDuration("workload.teardown_grace"),
			Builtin:       v.GetString("workload.builtin"),
			BuiltinDelay:  v.GetDuration("workload.builtin_delay"),
		},
		Scenario: scenario.Config{
			Kind:         kind,
			MaxBatchSize: v.GetInt("scenario.max_batch_size"),
			Split:        v.GetString("scenario.split"),
			Limit:        v.GetInt("scenario.limit"),
			OfflineDir:   v.GetString("scenario.offline_dir"),
			Seed:         v.GetInt64("scenario.seed"),
		},
		Monitor: Monitor{
			Kinds:        kinds,
			Interval:     v.GetDuration("monitor.interval"),
			StopTimeout:  v.GetDuration("monitor.stop_timeout"),
			NvidiaSMI:    v.GetString("monitor.nvidia_smi"),
			GPUs:         v.GetIntSlice("monitor.gpus"),
			PowercapRoot: v.GetString("monitor.powercap_root"),
		},
		Task: Task{
			Name:    v.GetString("task.name"),
			Dataset: v.GetString("task.dataset"),
		},
		Log: Log{
			Level: v.GetString("log.level"),
			JSON:  v.GetBool("log.json"),
		},
		Metrics: Metrics{Addr: v.GetString("metrics.addr")},
		Tracing: Tracing{
			Enabled:     v.GetBool("tracing.enabled"),
			Endpoint:    v.GetString("tracing.endpoint"),
			ServiceName: v.GetString("tracing.service_name"),
		},
	}
	if cfg.Scenario.OfflineDir != "" {
		if cfg.Scenario.OfflineDir, err = filepath.Abs(cfg.Scenario.OfflineDir); err != nil {
			return Config{}, fmt.Errorf("resolve scenario.offline_dir: %w", err)
		}
	}
	if cfg.Scenario.Seed == 0 {
		cfg.Scenario.Seed = time.Now().UnixNano()
	}
	return cfg, cfg.Validate()
}

// NewRunID returns a sortable, collision-resistant run identifier.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	switch w := c.Workload; {
	case w.Builtin != "":
		if w.Builtin != BuiltinEcho {
			errs = append(errs, fmt.Errorf("workload.builtin %q is unknown, want %s", w.Builtin, BuiltinEcho))
		}
		if len(w.Command) > 0 || w.Image != "" {
			errs = append(errs, errors.New("workload.builtin cannot be combined with a command or an image"))
		}
		if w.Mode != ModeStdio {
			errs = append(errs, errors.New("workload.builtin needs stdio mode"))
		}
		if w.BuiltinDelay < 0 {
			errs = append(errs, errors.New("workload.builtin_delay must be >= 0"))
		}
	case len(w.Command) == 0 && w.Image == "":
		errs = append(errs, errors.New("workload: a command, an image or a builtin is required"))
	}
	switch c.Workload.Mode {
	case ModeStdio:
		if c.Task.Name == "" && c.Task.Dataset == "" {
			errs = append(errs, errors.New("task: stdio mode needs task.name or task.dataset"))
		}
	case ModeCommand:
		if c.Workload.NumItems < 0 {
			errs = append(errs, errors.New("workload.num_items must be >= 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("workload.mode %q must be %s or %s", c.Workload.Mode, ModeStdio, ModeCommand))
	}
	for _, vol := range c.Workload.Volumes {
		if _, err := ParseVolume(vol); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Workload.TeardownGrace <= 0 {
		errs = append(errs, errors.New("workload.teardown_grace must be positive"))
	}
	if err := c.Scenario.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	if c.Monitor.StopTimeout <= 0 {
		errs = append(errs, errors.New("monitor.stop_timeout must be positive"))
	}
	for _, g := range c.Monitor.GPUs {
		if g < 0 {
			errs = append(errs, fmt.Errorf("monitor.gpus: invalid index %d", g))
		}
	}
	switch c.Output {
	case "table", "json", "yaml":
	default:
		errs = append(errs, fmt.Errorf("output %q must be table, json or yaml", c.Output))
	}
	return errors.Join(errs...)
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("workload.env: %q is not KEY=VALUE", kv)
		}
		env[k] = val
	}
	return env, nil
}

// Volume is a parsed host:container[:mode] bind specification.
type Volume struct {
	Host      string
	Container string
	ReadOnly  bool
}

// ParseVolume parses host:container[:rw|ro]. The host path must be absolute.
func ParseVolume(spec string) (Volume, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Volume{}, fmt.Errorf("volume %q: want host:container[:rw|ro]", spec)
	}
	if !filepath.IsAbs(parts[0]) {
		return Volume{}, fmt.Errorf("volume %q: host path must be absolute", spec)
	}
	vol := Volume{Host: parts[0], Container: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "rw":
		case "ro":
			vol.ReadOnly = true
		default:
			return Volume{}, fmt.Errorf("volume %q: mode must be rw or ro", spec)
		}
	}
	return vol, nil
}

// Bind renders the volume in docker bind syntax.
func (v Volume) Bind() string {
	mode := "rw"
	if v.ReadOnly {
		mode = "ro"
	}
	return v.Host + ":" + v.Container + ":" + mode
}
