package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatstate/internal/logging"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagJSON      bool
)

var rootCmd = &cobra.Command{
	Use:   "chatstate",
	Short: "Inspect chat channel state against a backend",
	Long: "Command-line driver for the chatstate library.\n" +
		"Query channel lists, follow them over the realtime stream and inspect the local cache.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.DefaultConfig()
		logCfg.Level = flagLogLevel
		logCfg.Format = flagLogFormat
		logging.Init(logCfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.chatstate/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
