package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	berrors "github.com/psantana5/effbench/internal/errors"
)

func sampleReport() MetricsReport {
	acc := 0.75
	return MetricsReport{
		RunID:       "run-1",
		Scenario:    "fixed_batch",
		Task:        "echo",
		Accuracy:    &acc,
		TimeElapsed: 2,
		Throughput:  5,
		GPUEnergy:   10,
		CPUEnergy:   15,
		MemEnergy:   1,
		TotalEnergy: 26,
		NumItems:    10,
		Warnings: []berrors.Warning{{
			Code:    berrors.ErrMonitorStopTimeout,
			Phase:   berrors.PhaseMonitoring,
			Message: "gpu sampler did not stop",
		}},
	}
}

func TestWriteJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleReport()))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	for _, key := range []string{"time_elapsed", "throughput", "gpu_energy", "cpu_energy",
		"mem_energy", "total_energy", "max_gpu_mem", "max_dram_mem", "warnings"} {
		assert.Contains(t, got, key)
	}
	assert.Equal(t, 26.0, got["total_energy"])
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, sampleReport()))

	var got map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 15, got["cpu_energy"])
	assert.Equal(t, "fixed_batch", got["scenario"])
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleReport(), FormatTable))
	out := buf.String()
	assert.Contains(t, out, "Total Energy (J)")
	assert.Contains(t, out, "26.0000")
	assert.Contains(t, out, "Accuracy")
	assert.Contains(t, out, "WARNING [MONITOR_STOP_TIMEOUT]")

	assert.Error(t, Write(&buf, sampleReport(), "xml"))
}

func TestWritePrometheus(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePrometheus(&buf, sampleReport()))
	out := buf.String()

	assert.Contains(t, out, "# TYPE effbench_run_total_energy_joules gauge")
	assert.Contains(t, out, `effbench_run_total_energy_joules{run_id="run-1",scenario="fixed_batch",task="echo"} 26`)
	assert.Contains(t, out, `effbench_run_accuracy_ratio{run_id="run-1",scenario="fixed_batch",task="echo"} 0.75`)
	assert.Contains(t, out, `effbench_run_warnings{run_id="run-1",scenario="fixed_batch",task="echo"} 1`)
}

func TestSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out", "fixed_batch")
	require.NoError(t, Save(dir, sampleReport()))
	require.NoError(t, SaveJSON(dir, OutputsFile, []string{"a", "b"}))

	data, err := os.ReadFile(filepath.Join(dir, MetricsJSONFile))
	require.NoError(t, err)
	var r MetricsReport
	require.NoError(t, json.Unmarshal(data, &r))
	assert.Equal(t, 26.0, r.TotalEnergy)

	_, err = os.Stat(filepath.Join(dir, MetricsPromFile))
	assert.NoError(t, err)

	data, err = os.ReadFile(filepath.Join(dir, OutputsFile))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(data))
}
