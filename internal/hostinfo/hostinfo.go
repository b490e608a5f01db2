// Package hostinfo detects the host resources the aggregator scales
// utilization against.
package hostinfo

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const gib = 1024 * 1024 * 1024

// Info describes the benchmark host.
type Info struct {
	OS          string   `json:"os" yaml:"os"`
	Arch        string   `json:"arch" yaml:"arch"`
	CPUModel    string   `json:"cpu_model" yaml:"cpu_model"`
	LogicalCPUs int      `json:"logical_cpus" yaml:"logical_cpus"`
	TotalMemGiB float64  `json:"total_mem_gib" yaml:"total_mem_gib"`
	GPUs        []string `json:"gpus,omitempty" yaml:"gpus,omitempty"`
}

// HasGPU reports whether nvidia-smi listed at least one device.
func (i Info) HasGPU() bool {
	return len(i.GPUs) > 0
}

// Detector gathers Info. Its hooks default to gopsutil and nvidia-smi.
type Detector struct {
	NvidiaSMI string
	counts    func(ctx context.Context, logical bool) (int, error)
	cpuInfo   func(ctx context.Context) ([]cpu.InfoStat, error)
	vmem      func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	run       func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewDetector creates a detector querying GPUs through the given nvidia-smi.
func NewDetector(nvidiaSMI string) *Detector {
	if nvidiaSMI == "" {
		nvidiaSMI = "nvidia-smi"
	}
	return &Detector{
		NvidiaSMI: nvidiaSMI,
		counts:    cpu.CountsWithContext,
		cpuInfo:   cpu.InfoWithContext,
		vmem:      mem.VirtualMemoryWithContext,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Detect gathers host information. CPU count and memory are required;
// the CPU model and GPUs are best effort.
func (d *Detector) Detect(ctx context.Context) (Info, error) {
	info := Info{OS: runtime.GOOS, Arch: runtime.GOARCH, CPUModel: "Unknown"}

	n, err := d.counts(ctx, true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	info.LogicalCPUs = n

	vm, err := d.vmem(ctx)
	if err != nil {
		return info, fmt.Errorf("read host memory: %w", err)
	}
	info.TotalMemGiB = float64(vm.Total) / gib

	if stats, err := d.cpuInfo(ctx); err == nil && len(stats) > 0 && stats[0].ModelName != "" {
		info.CPUModel = stats[0].ModelName
	}
	info.GPUs = d.detectGPUs(ctx)
	return info, nil
}

func (d *Detector) detectGPUs(ctx context.Context) []string {
	out, err := d.run(ctx, d.NvidiaSMI, "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		return nil
	}
	var gpus []string
	for _, line := range strings.Split(string(out), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			gpus = append(gpus, name)
		}
	}
	return gpus
}

// FormatGiB formats a GiB amount for humans.
func FormatGiB(v float64) string {
	return fmt.Sprintf("%.1f GiB", v)
}
