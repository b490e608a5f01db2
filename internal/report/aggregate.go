package report

import (
	"time"

	"github.com/samber/lo"

	berrors "github.com/psantana5/effbench/internal/errors"
	"github.com/psantana5/effbench/internal/sampler"
)

// MetricsReport is the outcome of one run. It is not modified after
// Aggregate returns it, except for run metadata set by the caller.
type MetricsReport struct {
	RunID    string   `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Scenario string   `json:"scenario,omitempty" yaml:"scenario,omitempty"`
	Task     string   `json:"task,omitempty" yaml:"task,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty" yaml:"accuracy,omitempty"`

	TimeElapsed     float64 `json:"time_elapsed" yaml:"time_elapsed"`
	Throughput      float64 `json:"throughput" yaml:"throughput"`
	GPUEnergy       float64 `json:"gpu_energy" yaml:"gpu_energy"`
	CPUEnergy       float64 `json:"cpu_energy" yaml:"cpu_energy"`
	MemEnergy       float64 `json:"mem_energy" yaml:"mem_energy"`
	TotalEnergy     float64 `json:"total_energy" yaml:"total_energy"`
	MaxGPUMem       float64 `json:"max_gpu_mem" yaml:"max_gpu_mem"`
	MaxDRAMMem      float64 `json:"max_dram_mem" yaml:"max_dram_mem"`
	NumItems        int     `json:"num_items" yaml:"num_items"`
	CPUUtilFraction float64 `json:"cpu_util_fraction" yaml:"cpu_util_fraction"`
	MemUtilFraction float64 `json:"mem_util_fraction" yaml:"mem_util_fraction"`

	Warnings []berrors.Warning `json:"warnings" yaml:"warnings"`
}

// Inputs locates the telemetry of a run. An empty path means that sampler
// was not enabled and its metrics are reported as zero.
type Inputs struct {
	GPU       string
	Energy    string
	Container string

	Elapsed     time.Duration
	Items       int
	LogicalCPUs int
	TotalMemGiB float64
}

// Aggregate reduces the telemetry CSVs of a run into a MetricsReport.
// Malformed rows become warnings; a missing or unusable file is fatal.
func Aggregate(in Inputs, warnings *berrors.Warnings) (MetricsReport, error) {
	if warnings == nil {
		warnings = berrors.NewWarnings(nil)
	}
	r := MetricsReport{
		TimeElapsed: in.Elapsed.Seconds(),
		NumItems:    in.Items,
	}
	if r.TimeElapsed > 0 {
		r.Throughput = float64(in.Items) / r.TimeElapsed
	}

	if in.GPU != "" {
		s, err := ReadSeries(in.GPU, sampler.Columns(sampler.GPU), warnings)
		if err != nil {
			return MetricsReport{}, err
		}
		r.GPUEnergy = lo.Sum(s.Column(sampler.ColGPUEnergy))
		r.MaxGPUMem = maxOf(s.Column(sampler.ColGPUMaxMem))
	}

	var memPeak float64
	if in.Container != "" {
		s, err := ReadSeries(in.Container, sampler.Columns(sampler.Container), warnings)
		if err != nil {
			return MetricsReport{}, err
		}
		cpus := in.LogicalCPUs
		if cpus < 1 {
			cpus = 1
		}
		r.CPUUtilFraction = mean(s.Column(sampler.ColCPUUtil)) / 100 / float64(cpus)
		mem := s.Column(sampler.ColMemUtil)
		r.MemUtilFraction = mean(mem) / 100
		memPeak = maxOf(mem) / 100
	}
	r.MaxDRAMMem = memPeak * in.TotalMemGiB

	// host energy is apportioned by utilization, so it is 0 without container stats
	if in.Energy != "" {
		s, err := ReadSeries(in.Energy, sampler.Columns(sampler.Energy), warnings)
		if err != nil {
			return MetricsReport{}, err
		}
		r.CPUEnergy = lo.Sum(s.Column(sampler.ColCPUEnergy)) * r.CPUUtilFraction
		r.MemEnergy = lo.Sum(s.Column(sampler.ColDRAMEnergy)) * r.MemUtilFraction
	}

	r.TotalEnergy = r.GPUEnergy + r.CPUEnergy + r.MemEnergy
	r.Warnings = warnings.List()
	return r, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return lo.Sum(xs) / float64(len(xs))
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return lo.Max(xs)
}
