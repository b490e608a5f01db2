package sampler

import (
	"fmt"
	"strings"
	"time"
)

// DefaultInterval is short enough that sub-second runs still record rows.
const DefaultInterval = 100 * time.Millisecond

// Kind names a telemetry sampler. Each kind owns exactly one CSV file.
type Kind string

const (
	GPU       Kind = "gpu"
	Energy    Kind = "energy"
	Container Kind = "container"
)

// Kinds lists every sampler kind.
func Kinds() []Kind {
	return []Kind{GPU, Energy, Container}
}

// ParseKind resolves a sampler name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown monitor %q (want gpu, energy or container)", s)
}

// CSV column names shared with the aggregator.
const (
	ColTimestamp  = "timestamp"
	ColGPUEnergy  = "energy"
	ColGPUMaxMem  = "max_mem"
	ColCPUEnergy  = "cpu_energy"
	ColDRAMEnergy = "dram_energy"
	ColCPUUtil    = "cpu_util"
	ColMemUtil    = "mem_util"
)

// Columns returns the data columns written by kind, excluding the timestamp.
func Columns(kind Kind) []string {
	switch kind {
	case GPU:
		return []string{ColGPUEnergy, ColGPUMaxMem}
	case Energy:
		return []string{ColCPUEnergy, ColDRAMEnergy}
	case Container:
		return []string{ColCPUUtil, ColMemUtil}
	default:
		return nil
	}
}
