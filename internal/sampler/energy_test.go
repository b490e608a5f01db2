package sampler

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeZone struct {
	dir string
}

func writeZone(t *testing.T, dir, name string, energy, maxRange int64) fakeZone {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "max_energy_range_uj"), []byte(strconv.FormatInt(maxRange, 10)), 0o644))
	z := fakeZone{dir: dir}
	z.set(t, energy)
	return z
}

func (z fakeZone) set(t *testing.T, energy int64) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(z.dir, "energy_uj"), []byte(strconv.FormatInt(energy, 10)+"\n"), 0o644))
}

func TestDiscoverRAPL(t *testing.T) {
	root := t.TempDir()
	writeZone(t, filepath.Join(root, "intel-rapl:0"), "package-0", 0, 1000)
	writeZone(t, filepath.Join(root, "intel-rapl:0", "intel-rapl:0:0"), "core", 0, 1000)
	writeZone(t, filepath.Join(root, "intel-rapl:0", "intel-rapl:0:1"), "dram", 0, 1000)
	// sysfs also exposes subzones at the top level; they must not be double counted
	writeZone(t, filepath.Join(root, "intel-rapl:0:0"), "core", 0, 1000)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "intel-rapl"), 0o755))

	zones, err := DiscoverRAPL(root)
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, "package-0", zones[0].Name)
	assert.Len(t, zones[0].Subzones, 2)
	assert.Equal(t, int64(1000), zones[0].MaxRange)
}

func TestDiscoverRAPLMissing(t *testing.T) {
	_, err := DiscoverRAPL(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = DiscoverRAPL(t.TempDir())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestEnergySourceDeltasAndWraparound(t *testing.T) {
	root := t.TempDir()
	pkg := writeZone(t, filepath.Join(root, "intel-rapl:0"), "package-0", 5_000_000, 10_000_000)
	dram := writeZone(t, filepath.Join(root, "intel-rapl:0", "intel-rapl:0:0"), "dram", 1_000_000, 10_000_000)
	psys := writeZone(t, filepath.Join(root, "intel-rapl:1"), "psys", 0, 10_000_000)

	src := NewEnergySource(root)
	now := time.Now()
	require.NoError(t, src.Prime(context.Background(), now))

	pkg.set(t, 7_500_000)
	dram.set(t, 1_500_000)
	psys.set(t, 9_000_000)
	row, err := src.Sample(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"2.500000", "0.500000"}, row)

	// package counter wraps: 9.5 J -> 1.0 J with a 10 J range
	pkg.set(t, 9_500_000)
	_, err = src.Sample(context.Background(), now)
	require.NoError(t, err)
	pkg.set(t, 1_000_000)
	row, err = src.Sample(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, "1.500000", row[0])
	assert.Equal(t, "0.000000", row[1])
}

func TestEnergySourceTopLevelDRAM(t *testing.T) {
	root := t.TempDir()
	writeZone(t, filepath.Join(root, "intel-rapl:0"), "package-0", 0, 0)
	dram := writeZone(t, filepath.Join(root, "intel-rapl:1"), "dram", 0, 0)

	src := NewEnergySource(root)
	require.NoError(t, src.Prime(context.Background(), time.Now()))
	dram.set(t, 2_000_000)

	row, err := src.Sample(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"0.000000", "2.000000"}, row)
}

func TestEnergySourceFailedReadKeepsBaselines(t *testing.T) {
	root := t.TempDir()
	pkg := writeZone(t, filepath.Join(root, "intel-rapl:0"), "package-0", 1_000_000, 0)
	dram := writeZone(t, filepath.Join(root, "intel-rapl:0", "intel-rapl:0:0"), "dram", 1_000_000, 0)

	src := NewEnergySource(root)
	require.NoError(t, src.Prime(context.Background(), time.Now()))

	// package advances but the dram counter is unreadable
	pkg.set(t, 3_000_000)
	require.NoError(t, os.Remove(filepath.Join(dram.dir, "energy_uj")))
	_, err := src.Sample(context.Background(), time.Now())
	require.Error(t, err)

	// the next row covers both intervals
	pkg.set(t, 4_000_000)
	dram.set(t, 1_500_000)
	row, err := src.Sample(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"3.000000", "0.500000"}, row)
}
