package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/psantana5/effbench/internal/config"
	"github.com/psantana5/effbench/internal/logging"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "effbench",
	Short: "Efficiency benchmark harness",
	Long: `effbench launches a workload as a local process or a container, feeds it
inputs according to a load scenario and records GPU, CPU and DRAM energy while
it runs. The result is a single metrics report per run.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.effbench/config.yaml)")
	rootCmd.PersistentFlags().String("output", "table", "report format: table, json or yaml")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON log lines")
	rootCmd.PersistentFlags().String("work-dir", ".effbench", "directory holding per-run telemetry and logs")

	bindFlags(rootCmd.PersistentFlags(), map[string]string{
		"output":    "output",
		"log-level": "log.level",
		"log-json":  "log.json",
		"work-dir":  "work_dir",
	})
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".effbench"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// EFFBENCH_SCENARIO_MAX_BATCH_SIZE overrides scenario.max_batch_size
	viper.SetEnvPrefix("EFFBENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", viper.ConfigFileUsed(), err)
			os.Exit(1)
		}
	}
}

// bindFlags maps flag names onto viper keys so flags, env and the config
// file resolve through one lookup.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

// newLogger builds the harness logger from the bound log.* keys.
func newLogger() *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(viper.GetString("log.level")), viper.GetBool("log.json"))
}

// outputFormat returns the validated --output value.
func outputFormat() (string, error) {
	format := viper.GetString("output")
	switch format {
	case "table", "json", "yaml":
		return format, nil
	default:
		return "", fmt.Errorf("output %q must be table, json or yaml", format)
	}
}
