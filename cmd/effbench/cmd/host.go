package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/effbench/internal/hostinfo"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Show the host resources telemetry is scaled against",
	Long: `Detects logical CPUs, total memory and NVIDIA GPUs the same way a run does.
CPU energy is apportioned by utilization over the logical CPU count and peak
DRAM is reported against total memory, so check these before comparing runs
across machines.`,
	Args: cobra.NoArgs,
	RunE: runHost,
}

func init() {
	rootCmd.AddCommand(hostCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	info, err := hostinfo.NewDetector(viper.GetString("monitor.nvidia_smi")).Detect(ctx)
	if err != nil {
		return fmt.Errorf("failed to detect host: %w", err)
	}
	return writeHost(cmd.OutOrStdout(), info, format)
}

func writeHost(w io.Writer, info hostinfo.Info, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)

	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(info); err != nil {
			return err
		}
		return encoder.Close()

	default:
		gpus := "none"
		if info.HasGPU() {
			gpus = strings.Join(info.GPUs, ", ")
		}
		table := tablewriter.NewWriter(w)
		table.Header("Property", "Value")
		for _, row := range [][]string{
			{"OS / Arch", info.OS + "/" + info.Arch},
			{"CPU Model", info.CPUModel},
			{"Logical CPUs", strconv.Itoa(info.LogicalCPUs)},
			{"Total Memory", hostinfo.FormatGiB(info.TotalMemGiB)},
			{"GPUs", gpus},
		} {
			if err := table.Append(row); err != nil {
				return err
			}
		}
		return table.Render()
	}
}
