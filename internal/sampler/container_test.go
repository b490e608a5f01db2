package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	frames []types.StatsJSON
	calls  int
	err    error
}

func (f *fakeStats) ContainerStatsOneShot(_ context.Context, _ string) (types.ContainerStats, error) {
	if f.err != nil {
		return types.ContainerStats{}, f.err
	}
	frame := f.frames[min(f.calls, len(f.frames)-1)]
	f.calls++
	data, err := json.Marshal(frame)
	if err != nil {
		return types.ContainerStats{}, err
	}
	return types.ContainerStats{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func frame(total, system uint64, online uint32, usage, inactive, limit uint64) types.StatsJSON {
	var s types.StatsJSON
	s.CPUStats.CPUUsage.TotalUsage = total
	s.CPUStats.SystemUsage = system
	s.CPUStats.OnlineCPUs = online
	s.MemoryStats.Usage = usage
	s.MemoryStats.Limit = limit
	s.MemoryStats.Stats = map[string]uint64{"inactive_file": inactive}
	return s
}

func TestDockerStatsSource(t *testing.T) {
	cli := &fakeStats{frames: []types.StatsJSON{
		frame(1_000, 10_000, 4, 0, 0, 1000),
		// container used 500 of 2000 system ticks on 4 CPUs -> 100%
		frame(1_500, 12_000, 4, 300, 50, 1000),
	}}
	src := NewDockerStatsSource(cli, "abc")

	require.NoError(t, src.Prime(context.Background(), time.Now()))
	row, err := src.Sample(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"100.00%", "25.00%"}, row)
}

func TestDockerStatsSourceCgroupV1Cache(t *testing.T) {
	s := frame(0, 0, 1, 600, 0, 1000)
	s.MemoryStats.Stats = map[string]uint64{"total_inactive_file": 100}
	assert.InDelta(t, 50.0, memPercent(&s), 1e-9)

	noLimit := frame(0, 0, 1, 600, 0, 0)
	assert.Zero(t, memPercent(&noLimit))
}

func TestDockerStatsSourceUnavailable(t *testing.T) {
	src := NewDockerStatsSource(&fakeStats{err: errors.New("no such container")}, "abc")
	assert.ErrorIs(t, src.Prime(context.Background(), time.Now()), ErrUnavailable)
}

func TestParsePercentage(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"12.34%", 12.34, false},
		{" 0.00% ", 0, false},
		{"250%", 250, false},
		{"7.5", 7.5, false},
		{"%", 0, true},
		{"abc%", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePercentage(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
	assert.Equal(t, "12.35%", formatPercent(12.345))
}

func TestProcessSourceSelf(t *testing.T) {
	src := NewProcessSource(os.Getpid())
	require.NoError(t, src.Prime(context.Background(), time.Now()))

	row, err := src.Sample(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, row, 2)
	for _, v := range row {
		pct, err := ParsePercentage(v)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pct, 0.0)
	}
}

func TestProcessSourceMissingPID(t *testing.T) {
	src := NewProcessSource(1 << 30)
	assert.ErrorIs(t, src.Prime(context.Background(), time.Now()), ErrUnavailable)
}

func TestPIDFileSourceWaitsForPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workload.pid")
	src := NewPIDFileSource(path).RootOnly()
	require.NoError(t, src.Prime(context.Background(), time.Now()))

	_, err := src.Sample(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrPending)

	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))
	row, err := src.Sample(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Len(t, row, 2)
}

func TestPIDFileSourceGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workload.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))
	src := NewPIDFileSource(path)
	assert.ErrorIs(t, src.Prime(context.Background(), time.Now()), ErrUnavailable)
}
