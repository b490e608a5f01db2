package sampler

import (
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// NvidiaSMILog is the subset of `nvidia-smi -q -x` the GPU sampler reads.
type NvidiaSMILog struct {
	XMLName xml.Name  `xml:"nvidia_smi_log"`
	GPUs    []GPUInfo `xml:"gpu"`
}

// GPUInfo is one <gpu> element.
type GPUInfo struct {
	ID          string        `xml:"id,attr"`
	ProductName string        `xml:"product_name"`
	MinorNumber string        `xml:"minor_number"`
	Power       PowerReadings `xml:"gpu_power_readings"`
	LegacyPower PowerReadings `xml:"power_readings"`
	FBMemory    FBMemory      `xml:"fb_memory_usage"`
}

// PowerReadings holds power values such as "123.45 W".
type PowerReadings struct {
	PowerDraw        string `xml:"power_draw"`
	InstantPowerDraw string `xml:"instant_power_draw"`
	AveragePowerDraw string `xml:"average_power_draw"`
}

// FBMemory holds framebuffer usage such as "1024 MiB".
type FBMemory struct {
	Used  string `xml:"used"`
	Total string `xml:"total"`
}

// GPUReading is one GPU's parsed state.
type GPUReading struct {
	Index      int
	Name       string
	PowerWatts float64
	UsedMiB    float64
}

// parseFloat extracts float from string with unit (e.g., "123.45 W" -> 123.45).
// "N/A" and other non-numeric values yield ok=false.
func parseFloat(s string) (float64, bool) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) == 0 {
		return 0, false
	}
	val, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, false
	}
	return val, true
}

// ParseNvidiaSMI decodes `nvidia-smi -q -x` output.
func ParseNvidiaSMI(data []byte) ([]GPUReading, error) {
	var smiLog NvidiaSMILog
	if err := xml.Unmarshal(data, &smiLog); err != nil {
		return nil, fmt.Errorf("parse nvidia-smi XML: %w", err)
	}

	readings := make([]GPUReading, 0, len(smiLog.GPUs))
	for i, g := range smiLog.GPUs {
		r := GPUReading{Index: i, Name: g.ProductName}
		if minor, err := strconv.Atoi(strings.TrimSpace(g.MinorNumber)); err == nil {
			r.Index = minor
		}
		for _, candidate := range []string{
			g.Power.PowerDraw, g.Power.InstantPowerDraw, g.Power.AveragePowerDraw, g.LegacyPower.PowerDraw,
		} {
			if w, ok := parseFloat(candidate); ok {
				r.PowerWatts = w
				break
			}
		}
		r.UsedMiB, _ = parseFloat(g.FBMemory.Used)
		readings = append(readings, r)
	}
	return readings, nil
}

// CommandRunner runs a command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// GPUSource integrates board power over each interval. energy is joules
// drawn by the selected GPUs since the previous row; max_mem is their
// framebuffer usage in GiB at sample time.
type GPUSource struct {
	bin  string
	gpus map[int]bool
	run  CommandRunner
	last time.Time
}

// NewGPUSource samples through nvidia-smi at bin. An empty gpus selects all.
func NewGPUSource(bin string, gpus []int) *GPUSource {
	s := &GPUSource{bin: bin, run: execRunner}
	if len(gpus) > 0 {
		s.gpus = make(map[int]bool, len(gpus))
		for _, g := range gpus {
			s.gpus[g] = true
		}
	}
	return s
}

// Columns implements Source.
func (s *GPUSource) Columns() []string {
	return Columns(GPU)
}

// Prime checks nvidia-smi is usable and sets the integration baseline.
func (s *GPUSource) Prime(ctx context.Context, now time.Time) error {
	if _, err := s.run(ctx, s.bin, "-L"); err != nil {
		return fmt.Errorf("%w: %s -L: %v", ErrUnavailable, s.bin, err)
	}
	s.last = now
	return nil
}

// Sample implements Source.
func (s *GPUSource) Sample(ctx context.Context, now time.Time) ([]string, error) {
	out, err := s.run(ctx, s.bin, "-q", "-x")
	if err != nil {
		return nil, fmt.Errorf("query nvidia-smi: %w", err)
	}
	readings, err := ParseNvidiaSMI(out)
	if err != nil {
		return nil, err
	}

	dt := now.Sub(s.last).Seconds()
	s.last = now
	if dt < 0 {
		dt = 0
	}

	var watts, usedMiB float64
	for _, r := range readings {
		if s.gpus != nil && !s.gpus[r.Index] {
			continue
		}
		watts += r.PowerWatts
		usedMiB += r.UsedMiB
	}
	return []string{
		strconv.FormatFloat(watts*dt, 'f', 6, 64),
		strconv.FormatFloat(usedMiB/1024, 'f', 6, 64),
	}, nil
}
