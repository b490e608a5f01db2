package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/yaml.v3"

	berrors "github.com/psantana5/effbench/internal/errors"
	"github.com/psantana5/effbench/internal/fsutil"
)

// Output formats for Write.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// File names inside a scenario result directory.
const (
	MetricsJSONFile = "metrics.json"
	MetricsPromFile = "metrics.prom"
	OutputsFile     = "outputs.json"
	AccuracyFile    = "accuracy.json"
)

// Write renders the report to w in the given format.
func Write(w io.Writer, r MetricsReport, format string) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatYAML:
		return WriteYAML(w, r)
	case FormatTable, "":
		return WriteTable(w, r)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r MetricsReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteYAML writes the report as YAML.
func WriteYAML(w io.Writer, r MetricsReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// WriteTable writes the report as a two column table followed by warnings.
func WriteTable(w io.Writer, r MetricsReport) error {
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	rows := [][]string{
		{"Time Elapsed (s)", formatFloat(r.TimeElapsed)},
		{"Items", strconv.Itoa(r.NumItems)},
		{"Throughput (items/s)", formatFloat(r.Throughput)},
		{"GPU Energy (J)", formatFloat(r.GPUEnergy)},
		{"CPU Energy (J)", formatFloat(r.CPUEnergy)},
		{"Memory Energy (J)", formatFloat(r.MemEnergy)},
		{"Total Energy (J)", formatFloat(r.TotalEnergy)},
		{"Max GPU Memory (GiB)", formatFloat(r.MaxGPUMem)},
		{"Max DRAM Memory (GiB)", formatFloat(r.MaxDRAMMem)},
		{"CPU Utilization", formatFloat(r.CPUUtilFraction)},
		{"Memory Utilization", formatFloat(r.MemUtilFraction)},
	}
	if r.Accuracy != nil {
		rows = append(rows, []string{"Accuracy", formatFloat(*r.Accuracy)})
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	for _, warning := range r.Warnings {
		if _, err := fmt.Fprintf(w, "WARNING %s\n", warning); err != nil {
			return err
		}
	}
	return nil
}

// WritePrometheus writes the report in the Prometheus text exposition format
// for a node_exporter textfile collector.
func WritePrometheus(w io.Writer, r MetricsReport) error {
	labels := prometheus.Labels{"run_id": r.RunID, "scenario": r.Scenario, "task": r.Task}
	reg := prometheus.NewRegistry()
	gauge := func(name, help string, v float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "effbench",
			Subsystem:   "run",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(v)
		reg.MustRegister(g)
	}
	gauge("time_elapsed_seconds", "Length of the measured window.", r.TimeElapsed)
	gauge("items", "Items processed in the measured window.", float64(r.NumItems))
	gauge("throughput_items_per_second", "Items per second over the measured window.", r.Throughput)
	gauge("gpu_energy_joules", "GPU energy over the measured window.", r.GPUEnergy)
	gauge("cpu_energy_joules", "CPU energy attributed to the workload.", r.CPUEnergy)
	gauge("mem_energy_joules", "DRAM energy attributed to the workload.", r.MemEnergy)
	gauge("total_energy_joules", "Sum of GPU, CPU and DRAM energy.", r.TotalEnergy)
	gauge("max_gpu_mem_gibibytes", "Peak GPU memory in use.", r.MaxGPUMem)
	gauge("max_dram_mem_gibibytes", "Peak host memory used by the workload.", r.MaxDRAMMem)
	gauge("cpu_util_fraction", "Mean share of host CPU used by the workload.", r.CPUUtilFraction)
	gauge("mem_util_fraction", "Mean share of host memory used by the workload.", r.MemUtilFraction)
	gauge("warnings", "Warnings raised during the run.", float64(len(r.Warnings)))
	if r.Accuracy != nil {
		gauge("accuracy_ratio", "Exact-match accuracy of the predictions.", *r.Accuracy)
	}

	families, err := reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// Save writes metrics.json and metrics.prom into dir, creating it if needed.
func Save(dir string, r MetricsReport) error {
	if err := fsutil.EnsureDir(dir); err != nil {
		return berrors.New(berrors.ErrOutputFailure, berrors.PhaseOutput, "create result directory", err)
	}
	var js, prom bytes.Buffer
	if err := WriteJSON(&js, r); err != nil {
		return berrors.New(berrors.ErrOutputFailure, berrors.PhaseOutput, "encode metrics", err)
	}
	if err := WritePrometheus(&prom, r); err != nil {
		return berrors.New(berrors.ErrOutputFailure, berrors.PhaseOutput, "encode prometheus metrics", err)
	}
	for name, data := range map[string][]byte{MetricsJSONFile: js.Bytes(), MetricsPromFile: prom.Bytes()} {
		if err := fsutil.WriteFileAtomic(filepath.Join(dir, name), data, 0o644); err != nil {
			return berrors.New(berrors.ErrOutputFailure, berrors.PhaseOutput, "write "+name, err)
		}
	}
	return nil
}

// SaveJSON writes any value as indented JSON into dir/name.
func SaveJSON(dir, name string, v interface{}) error {
	if err := fsutil.EnsureDir(dir); err != nil {
		return berrors.New(berrors.ErrOutputFailure, berrors.PhaseOutput, "create result directory", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return berrors.New(berrors.ErrOutputFailure, berrors.PhaseOutput, "encode "+name, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, name), append(data, '\n'), 0o644); err != nil {
		return berrors.New(berrors.ErrOutputFailure, berrors.PhaseOutput, "write "+name, err)
	}
	return nil
}
