package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "replaytap",
	Short: "Record function checkpoints from a running program and replay them in tests",
	Long: `ReplayTap collects checkpoints (the inputs and outputs of instrumented calls)
from a running program and turns them into session logs that tests can load,
filter and replay.

Run "replaytap serve" for a local collection endpoint, point instrumented
programs at it, then "replaytap collect <url> > session.jsonl".
`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.Bool("log-file-enable", false, "Enable file logging")
	flags.String("log-file-path", "", "Log file path")
	flags.Int("log-file-max-size", 0, "Maximum size of a single log file (MB)")
	flags.Int("log-file-max-backups", 0, "Maximum number of old log files to retain")
	flags.Int("log-file-max-age", 0, "Maximum retention days for old log files")
	flags.Bool("log-file-compress", false, "Whether to compress old log files")
	flags.String("output", "", "Output mode (console, json)")
	flags.Bool("silence", false, "Do not print received checkpoints")

	bindFlags(rootCmd)

	rootCmd.AddCommand(versionCmd, serveCmd, collectCmd, inspectCmd, exportCmd)
}

func bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("log.file_logging.enable", flags.Lookup("log-file-enable"))
	viper.BindPFlag("log.file_logging.path", flags.Lookup("log-file-path"))
	viper.BindPFlag("log.file_logging.max_size_mb", flags.Lookup("log-file-max-size"))
	viper.BindPFlag("log.file_logging.max_backups", flags.Lookup("log-file-max-backups"))
	viper.BindPFlag("log.file_logging.max_age_days", flags.Lookup("log-file-max-age"))
	viper.BindPFlag("log.file_logging.compress", flags.Lookup("log-file-compress"))
	viper.BindPFlag("output.mode", flags.Lookup("output"))
	viper.BindPFlag("output.silence", flags.Lookup("silence"))
}

// loadConfig reads the configuration file and applies flag overrides
// before validating. apply receives the per-command overrides.
func loadConfig(cmd *cobra.Command, apply func(*config.Config)) (*config.Config, logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Flags bound through viper only win when set; command line has the
	// highest priority.
	flags := cmd.Flags()
	if logLevel, err := flags.GetString("log-level"); err == nil && logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if enable, err := flags.GetBool("log-file-enable"); err == nil && flags.Changed("log-file-enable") {
		cfg.Log.FileLogging.Enable = enable
	}
	if path, err := flags.GetString("log-file-path"); err == nil && path != "" {
		cfg.Log.FileLogging.Path = path
	}
	if mode, err := flags.GetString("output"); err == nil && mode != "" {
		cfg.Output.Mode = mode
	}
	if silence, err := flags.GetBool("silence"); err == nil && flags.Changed("silence") {
		cfg.Output.Silence = silence
	}
	if apply != nil {
		apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger.NewLogger(&cfg.Log, cfg.Output.Mode), nil
}

func showVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ReplayTap version %s\n", version)
	fmt.Fprintf(out, "Commit: %s\n", commit)
	fmt.Fprintf(out, "Built: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
