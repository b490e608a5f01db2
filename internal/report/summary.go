package report

import (
	"fmt"

	"github.com/psantana5/effbench/internal/logging"
)

// LogSummary emits the human-readable result lines at the end of a run.
func LogSummary(logger *logging.Logger, r MetricsReport) {
	logger.Info(fmt.Sprintf("Time Elapsed: %.3f s", r.TimeElapsed))
	logger.Info(fmt.Sprintf("Throughput: %.3f items/s", r.Throughput))
	logger.Info(fmt.Sprintf("GPU Energy: %.3f J", r.GPUEnergy))
	logger.Info(fmt.Sprintf("CPU Energy: %.3f J", r.CPUEnergy))
	logger.Info(fmt.Sprintf("Memory Energy: %.3f J", r.MemEnergy))
	logger.Info(fmt.Sprintf("Total Energy: %.3f J", r.TotalEnergy))
	logger.Info(fmt.Sprintf("Max GPU Memory: %.3f GiB", r.MaxGPUMem))
	logger.Info(fmt.Sprintf("Max DRAM Memory: %.3f GiB", r.MaxDRAMMem))
	if r.Accuracy != nil {
		logger.Info(fmt.Sprintf("Accuracy: %.4f", *r.Accuracy))
	}
	if n := len(r.Warnings); n > 0 {
		logger.Warn(fmt.Sprintf("Run finished with %d warnings", n))
	}
}
