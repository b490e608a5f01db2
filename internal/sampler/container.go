package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/shirou/gopsutil/v3/process"
)

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + "%"
}

// ParsePercentage parses "12.34%" into 12.34.
func ParsePercentage(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0, errors.New("empty percentage")
	}
	return strconv.ParseFloat(s, 64)
}

// StatsClient is the part of the docker engine client the container
// sampler uses.
type StatsClient interface {
	ContainerStatsOneShot(ctx context.Context, containerID string) (types.ContainerStats, error)
}

// DockerStatsSource reports a container's CPU and memory utilization.
// cpu_util follows `docker stats`: 100% is one fully used CPU.
type DockerStatsSource struct {
	cli         StatsClient
	containerID string

	prevTotal  uint64
	prevSystem uint64
	hasPrev    bool
}

// NewDockerStatsSource samples containerID through cli.
func NewDockerStatsSource(cli StatsClient, containerID string) *DockerStatsSource {
	return &DockerStatsSource{cli: cli, containerID: containerID}
}

// Columns implements Source.
func (s *DockerStatsSource) Columns() []string {
	return Columns(Container)
}

// Prime records the CPU counter baseline.
func (s *DockerStatsSource) Prime(ctx context.Context, now time.Time) error {
	stats, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.prevTotal = stats.CPUStats.CPUUsage.TotalUsage
	s.prevSystem = stats.CPUStats.SystemUsage
	s.hasPrev = true
	return nil
}

func (s *DockerStatsSource) fetch(ctx context.Context) (*types.StatsJSON, error) {
	resp, err := s.cli.ContainerStatsOneShot(ctx, s.containerID)
	if err != nil {
		return nil, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode container stats: %w", err)
	}
	return &stats, nil
}

// Sample implements Source.
func (s *DockerStatsSource) Sample(ctx context.Context, now time.Time) ([]string, error) {
	stats, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	cpu := s.cpuPercent(stats)
	mem := memPercent(stats)
	return []string{formatPercent(cpu), formatPercent(mem)}, nil
}

func (s *DockerStatsSource) cpuPercent(stats *types.StatsJSON) float64 {
	total := stats.CPUStats.CPUUsage.TotalUsage
	system := stats.CPUStats.SystemUsage
	defer func() {
		s.prevTotal, s.prevSystem, s.hasPrev = total, system, true
	}()
	if !s.hasPrev || total < s.prevTotal || system <= s.prevSystem {
		return 0
	}
	online := float64(stats.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return float64(total-s.prevTotal) / float64(system-s.prevSystem) * online * 100
}

// memPercent excludes reclaimable page cache the way `docker stats` does.
func memPercent(stats *types.StatsJSON) float64 {
	limit := stats.MemoryStats.Limit
	if limit == 0 {
		return 0
	}
	used := stats.MemoryStats.Usage
	cache := stats.MemoryStats.Stats["inactive_file"]
	if v, ok := stats.MemoryStats.Stats["total_inactive_file"]; ok {
		cache = v
	}
	if cache < used {
		used -= cache
	}
	return float64(used) / float64(limit) * 100
}

// ProcessSource reports utilization of a local workload process and its
// children with gopsutil. cpu_util uses the same one-CPU-is-100% scale.
type ProcessSource struct {
	pid      int32
	pidFile  string
	rootOnly bool
	procs    map[int32]*process.Process
}

// NewProcessSource samples pid and its descendants.
func NewProcessSource(pid int) *ProcessSource {
	return &ProcessSource{pid: int32(pid), procs: make(map[int32]*process.Process)}
}

// NewPIDFileSource samples the process whose pid appears in path. Ticks
// before the file is written report ErrPending.
func NewPIDFileSource(path string) *ProcessSource {
	return &ProcessSource{pidFile: path, procs: make(map[int32]*process.Process)}
}

// RootOnly stops the source from adding descendants, for a target whose
// children are not part of the workload.
func (s *ProcessSource) RootOnly() *ProcessSource {
	s.rootOnly = true
	return s
}

// Columns implements Source.
func (s *ProcessSource) Columns() []string {
	return Columns(Container)
}

// Prime verifies the process exists and starts the CPU accounting window.
// A pid file that is not written yet defers this to the first Sample.
func (s *ProcessSource) Prime(ctx context.Context, now time.Time) error {
	err := s.attach(ctx)
	if errors.Is(err, ErrPending) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_, err = s.sample(ctx)
	return err
}

// attach resolves the target pid and tracks its process handle.
func (s *ProcessSource) attach(ctx context.Context) error {
	if _, ok := s.procs[s.pid]; ok && s.pid != 0 {
		return nil
	}
	if s.pid == 0 {
		pid, err := readPIDFile(s.pidFile)
		if err != nil {
			return err
		}
		s.pid = pid
	}
	root, err := process.NewProcessWithContext(ctx, s.pid)
	if err != nil {
		return fmt.Errorf("pid %d: %v", s.pid, err)
	}
	s.procs[s.pid] = root
	return nil
}

func readPIDFile(path string) (int32, error) {
	if path == "" {
		return 0, errors.New("no pid given")
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrPending
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, ErrPending
	}
	pid, err := strconv.ParseInt(text, 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s holds %q", path, text)
	}
	return int32(pid), nil
}

// Sample implements Source.
func (s *ProcessSource) Sample(ctx context.Context, now time.Time) ([]string, error) {
	if err := s.attach(ctx); err != nil {
		return nil, err
	}
	u, err := s.sample(ctx)
	if err != nil {
		return nil, err
	}
	return []string{formatPercent(u.cpu), formatPercent(u.mem)}, nil
}

type usage struct {
	cpu float64
	mem float64
}

func (s *ProcessSource) sample(ctx context.Context) (usage, error) {
	root, ok := s.procs[s.pid]
	if !ok {
		return usage{}, fmt.Errorf("pid %d not primed", s.pid)
	}
	if running, err := root.IsRunningWithContext(ctx); err != nil || !running {
		return usage{}, fmt.Errorf("pid %d is not running", s.pid)
	}

	tree := []*process.Process{root}
	for i := 0; i < len(tree) && !s.rootOnly; i++ {
		children, err := tree[i].ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		tree = append(tree, children...)
	}

	var u usage
	seen := make(map[int32]*process.Process, len(tree))
	for _, p := range tree {
		// reuse tracked handles so Percent(0) measures since the last sample
		tracked, ok := s.procs[p.Pid]
		if !ok {
			tracked = p
		}
		seen[p.Pid] = tracked
		if cpu, err := tracked.PercentWithContext(ctx, 0); err == nil {
			u.cpu += cpu
		}
		if mem, err := tracked.MemoryPercentWithContext(ctx); err == nil {
			u.mem += float64(mem)
		}
	}
	s.procs = seen
	return u, nil
}
