package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/funnyzak/replaytap/internal/collector"
	"github.com/funnyzak/replaytap/internal/config"
)

var collectCmd = &cobra.Command{
	Use:   "collect [url]",
	Short: "Poll a collection endpoint and print each new checkpoint as a session log line",
	Long: `Poll a collection endpoint and print every checkpoint not seen before as one
JSON line on standard output. Progress and warnings go to standard error, so

  replaytap collect http://127.0.0.1:38889/checkpoints > session.jsonl

produces a session log. Stop with Ctrl+C.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCollect,
}

func init() {
	flags := collectCmd.Flags()
	flags.Duration("interval", 0, "Polling interval")
	flags.Duration("timeout", 0, "Request timeout for each poll")
}

func runCollect(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	cfg, log, err := loadConfig(cmd, func(cfg *config.Config) {
		if len(args) > 0 {
			cfg.Collector.URL = args[0]
		}
		if interval, err := flags.GetDuration("interval"); err == nil && interval != 0 {
			cfg.Collector.Interval = interval
		}
		if timeout, err := flags.GetDuration("timeout"); err == nil && timeout != 0 {
			cfg.Collector.Timeout = timeout
		}
	})
	if err != nil {
		return err
	}
	if cfg.Collector.URL == "" {
		return errors.New("collection endpoint url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := collector.NewFetcher(cfg.Collector.URL, cfg.Collector.Timeout)
	poller := collector.NewPoller(fetcher, cfg.Collector.Interval, os.Stdout, os.Stderr, log)
	log.Debug("Collecting checkpoints", "url", cfg.Collector.URL, "interval", cfg.Collector.Interval.String())
	return poller.Run(ctx)
}
