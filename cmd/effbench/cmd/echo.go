package cmd

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/effbench/internal/shutdown"
	"github.com/psantana5/effbench/pkg/stdio"
)

var echoDelay time.Duration

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Reference stdio workload that returns its inputs",
	Long: `echo reads one JSON array of inputs per line on stdin and writes the same
array back on stdout. It answers offline descriptors by copying the input file
to the output file. Use it to measure harness overhead or to check a setup:

  effbench run --task echo -- effbench echo --delay 5ms`,
	Args: cobra.NoArgs,
	RunE: runEcho,
}

func init() {
	rootCmd.AddCommand(echoCmd)
	echoCmd.Flags().DurationVar(&echoDelay, "delay", 0, "sleep this long per item before answering")
}

func runEcho(cmd *cobra.Command, args []string) error {
	logger := newLogger().Component("echo")
	defer logger.Close()

	ctx, cancel := shutdown.SignalContext(context.Background(), logger)
	defer cancel()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	return stdio.Serve(ctx, os.Stdin, out, stdio.Echo(echoDelay))
}
