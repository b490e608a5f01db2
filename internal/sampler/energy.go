package sampler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Package zones are intel-rapl:N; subzones intel-rapl:N:M live inside them.
var packageZoneRe = regexp.MustCompile(`^intel-rapl:\d+$`)

// RAPLZone is one powercap energy counter.
type RAPLZone struct {
	Name       string
	EnergyPath string
	MaxRange   int64
	Subzones   []*RAPLZone

	prev    int64
	hasPrev bool
}

// DiscoverRAPL loads package zones and their subzones under root
// (normally /sys/class/powercap).
func DiscoverRAPL(root string) ([]*RAPLZone, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: RAPL interface not found at %s: %v", ErrUnavailable, root, err)
	}

	var zones []*RAPLZone
	for _, entry := range entries {
		if !packageZoneRe.MatchString(entry.Name()) {
			continue
		}
		zone, err := loadZone(filepath.Join(root, entry.Name()), true)
		if err != nil {
			continue
		}
		zones = append(zones, zone)
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("%w: no RAPL zones under %s", ErrUnavailable, root)
	}
	return zones, nil
}

func loadZone(zonePath string, withSubzones bool) (*RAPLZone, error) {
	nameBytes, err := os.ReadFile(filepath.Join(zonePath, "name"))
	if err != nil {
		return nil, err
	}
	zone := &RAPLZone{
		Name:       strings.TrimSpace(string(nameBytes)),
		EnergyPath: filepath.Join(zonePath, "energy_uj"),
	}
	if _, err := os.Stat(zone.EnergyPath); err != nil {
		return nil, err
	}
	if maxBytes, err := os.ReadFile(filepath.Join(zonePath, "max_energy_range_uj")); err == nil {
		zone.MaxRange, _ = strconv.ParseInt(strings.TrimSpace(string(maxBytes)), 10, 64)
	}

	if !withSubzones {
		return zone, nil
	}
	entries, err := os.ReadDir(zonePath)
	if err != nil {
		return zone, nil
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "intel-rapl:") {
			continue
		}
		if sub, err := loadZone(filepath.Join(zonePath, entry.Name()), false); err == nil {
			zone.Subzones = append(zone.Subzones, sub)
		}
	}
	return zone, nil
}

func (z *RAPLZone) readEnergyUj() (int64, error) {
	data, err := os.ReadFile(z.EnergyPath)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// advance moves the baseline to current and returns the joules consumed
// since the previous baseline. The first call only records the baseline.
func (z *RAPLZone) advance(current int64) (float64, error) {
	if !z.hasPrev {
		z.prev, z.hasPrev = current, true
		return 0, nil
	}
	delta := current - z.prev
	// counter wraparound
	if delta < 0 && z.MaxRange > 0 {
		delta += z.MaxRange
	}
	z.prev = current
	if delta < 0 {
		return 0, fmt.Errorf("zone %s: counter went backwards", z.Name)
	}
	return float64(delta) / 1_000_000, nil
}

func isDRAM(z *RAPLZone) bool {
	return strings.EqualFold(z.Name, "dram")
}

// EnergySource reports CPU package and DRAM energy per interval from RAPL.
type EnergySource struct {
	root  string
	zones []*RAPLZone
}

// NewEnergySource reads powercap zones under root.
func NewEnergySource(root string) *EnergySource {
	return &EnergySource{root: root}
}

// Columns implements Source.
func (s *EnergySource) Columns() []string {
	return Columns(Energy)
}

// Prime discovers zones and records baselines.
func (s *EnergySource) Prime(ctx context.Context, now time.Time) error {
	zones, err := DiscoverRAPL(s.root)
	if err != nil {
		return err
	}
	s.zones = zones
	_, _, err = s.read()
	return err
}

// Sample implements Source.
func (s *EnergySource) Sample(ctx context.Context, now time.Time) ([]string, error) {
	cpu, dram, err := s.read()
	if err != nil {
		return nil, err
	}
	return []string{
		strconv.FormatFloat(cpu, 'f', 6, 64),
		strconv.FormatFloat(dram, 'f', 6, 64),
	}, nil
}

type zoneReading struct {
	zone    *RAPLZone
	dram    bool
	current int64
}

// counted lists the zones that contribute to a row. psys zones cover the
// whole platform and are skipped; core and uncore are already inside the
// package counter.
func (s *EnergySource) counted() []zoneReading {
	var out []zoneReading
	for _, zone := range s.zones {
		switch {
		case isDRAM(zone):
			out = append(out, zoneReading{zone: zone, dram: true})
			continue
		case strings.EqualFold(zone.Name, "psys"):
			continue
		}
		out = append(out, zoneReading{zone: zone})
		for _, sub := range zone.Subzones {
			if isDRAM(sub) {
				out = append(out, zoneReading{zone: sub, dram: true})
			}
		}
	}
	return out
}

// read sums package energy into cpu and dram-named zones into dram. Every
// counter is read before any baseline moves, so a failed read leaves the
// whole interval to the next row.
func (s *EnergySource) read() (cpu, dram float64, err error) {
	readings := s.counted()
	for i := range readings {
		current, err := readings[i].zone.readEnergyUj()
		if err != nil {
			return 0, 0, fmt.Errorf("zone %s: %w", readings[i].zone.Name, err)
		}
		readings[i].current = current
	}

	var firstErr error
	for _, r := range readings {
		j, err := r.zone.advance(r.current)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if r.dram {
			dram += j
		} else {
			cpu += j
		}
	}
	if firstErr != nil {
		return 0, 0, firstErr
	}
	return cpu, dram, nil
}
