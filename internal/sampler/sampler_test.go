package sampler

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/effbench/internal/logging"
)

type countingSource struct {
	n       atomic.Int32
	failOdd bool
}

func (s *countingSource) Columns() []string { return []string{"a", "b"} }

func (s *countingSource) Sample(context.Context, time.Time) ([]string, error) {
	n := s.n.Add(1)
	if s.failOdd && n%2 == 1 {
		return nil, errors.New("flaky")
	}
	return []string{"1", "2"}, nil
}

type unavailableSource struct{ countingSource }

func (s *unavailableSource) Prime(context.Context, time.Time) error {
	return ErrUnavailable
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func runFor(t *testing.T, src Source, d time.Duration) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.csv")
	w, err := Create(path, src.Columns())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, Run(ctx, src, w, 10*time.Millisecond, logging.Discard()))
	require.NoError(t, w.Close())
	return path
}

func TestRunWritesHeaderAndRows(t *testing.T) {
	rows := readCSV(t, runFor(t, &countingSource{}, 120*time.Millisecond))

	require.Greater(t, len(rows), 2)
	assert.Equal(t, []string{"timestamp", "a", "b"}, rows[0])
	for _, r := range rows[1:] {
		_, err := time.Parse(time.RFC3339Nano, r[0])
		assert.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, r[1:])
	}
}

func TestRunSkipsFailedSamples(t *testing.T) {
	src := &countingSource{failOdd: true}
	rows := readCSV(t, runFor(t, src, 150*time.Millisecond))

	attempts := int(src.n.Load())
	assert.Equal(t, attempts/2, len(rows)-1)
}

func TestRunUnavailableLeavesHeaderOnly(t *testing.T) {
	rows := readCSV(t, runFor(t, &unavailableSource{}, 50*time.Millisecond))
	assert.Len(t, rows, 1)
}

type pendingSource struct {
	countingSource
	ready atomic.Bool
}

func (s *pendingSource) Sample(ctx context.Context, now time.Time) ([]string, error) {
	if !s.ready.Load() {
		return nil, ErrPending
	}
	return s.countingSource.Sample(ctx, now)
}

func TestRunSkipsPendingTicks(t *testing.T) {
	src := &pendingSource{}
	rows := readCSV(t, runFor(t, src, 60*time.Millisecond))
	assert.Len(t, rows, 1)
	assert.Zero(t, src.n.Load())
}

const constantPowerSMI = `<?xml version="1.0" ?>
<nvidia_smi_log>
	<gpu id="00000000:01:00.0">
		<minor_number>0</minor_number>
		<fb_memory_usage><used>1024 MiB</used></fb_memory_usage>
		<gpu_power_readings><power_draw>100.00 W</power_draw></gpu_power_readings>
	</gpu>
</nvidia_smi_log>`

func TestRunRecordsEnergyUpToStop(t *testing.T) {
	src := NewGPUSource("nvidia-smi", nil)
	src.run = fakeSMI(constantPowerSMI, nil)
	path := filepath.Join(t.TempDir(), "gpu.csv")
	w, err := Create(path, src.Columns())
	require.NoError(t, err)

	const window = 250 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	before := time.Now()
	require.NoError(t, Run(ctx, src, w, 100*time.Millisecond, logging.Discard()))
	after := time.Now()
	require.NoError(t, w.Close())

	rows := readCSV(t, path)
	require.GreaterOrEqual(t, len(rows), 3, "ticks plus the closing row")
	var joules float64
	for _, r := range rows[1:] {
		v, err := strconv.ParseFloat(r[1], 64)
		require.NoError(t, err)
		joules += v
	}
	// 100 W over the whole window, not just the ticks before the stop
	assert.GreaterOrEqual(t, joules, 100*window.Seconds()-1)
	assert.LessOrEqual(t, joules, 100*after.Sub(before).Seconds()+0.01)
}

func TestColumnsAndKinds(t *testing.T) {
	assert.Equal(t, []string{"energy", "max_mem"}, Columns(GPU))
	assert.Equal(t, []string{"cpu_energy", "dram_energy"}, Columns(Energy))
	assert.Equal(t, []string{"cpu_util", "mem_util"}, Columns(Container))
	assert.Nil(t, Columns("tpu"))

	k, err := ParseKind(" GPU ")
	require.NoError(t, err)
	assert.Equal(t, GPU, k)
	_, err = ParseKind("tpu")
	assert.Error(t, err)
}

func TestStartEnergyFromFakePowercap(t *testing.T) {
	root := t.TempDir()
	writeZone(t, filepath.Join(root, "intel-rapl:0"), "package-0", 0, 0)
	out := filepath.Join(t.TempDir(), "energy.csv")

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	err := Start(ctx, Options{Kind: Energy, Out: out, Interval: 10 * time.Millisecond, PowercapRoot: root, ParentPID: os.Getpid()}, logging.Discard())
	require.NoError(t, err)

	rows := readCSV(t, out)
	assert.Equal(t, []string{"timestamp", "cpu_energy", "dram_energy"}, rows[0])
	assert.Greater(t, len(rows), 1)
}

func TestNewSourceRequiresTarget(t *testing.T) {
	_, _, err := NewSource(Options{Kind: Container})
	assert.Error(t, err)
	_, _, err = NewSource(Options{Kind: "tpu"})
	assert.Error(t, err)
}
