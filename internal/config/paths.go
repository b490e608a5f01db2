package config

import (
	"path/filepath"

	"github.com/psantana5/effbench/internal/sampler"
)

// Paths are the filesystem locations owned by one run. They are unique per
// RunID so concurrent runs never share telemetry or offline files.
type Paths struct {
	RunDir       string
	TelemetryDir string
	OfflineDir   string
	ResultDir    string
}

// Paths derives the run's filesystem layout.
func (c Config) Paths() Paths {
	runDir := filepath.Join(c.WorkDir, "runs", c.RunID)
	offline := filepath.Join(runDir, "offline")
	if c.Scenario.OfflineDir != "" {
		offline = filepath.Join(c.Scenario.OfflineDir, c.RunID)
	}
	result := ""
	if c.OutputDir != "" {
		result = filepath.Join(c.OutputDir, string(c.Scenario.Kind))
	}
	return Paths{
		RunDir:       runDir,
		TelemetryDir: filepath.Join(runDir, "telemetry"),
		OfflineDir:   offline,
		ResultDir:    result,
	}
}

// Telemetry returns the CSV path for a sampler kind.
func (p Paths) Telemetry(kind sampler.Kind) string {
	return filepath.Join(p.TelemetryDir, string(kind)+".csv")
}

// PIDFile is where a command-mode workload's pid is published once it starts.
func (p Paths) PIDFile() string {
	return filepath.Join(p.RunDir, "workload.pid")
}
