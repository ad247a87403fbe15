package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local collection endpoint for relayed checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.IntP("port", "p", 0, "Listen port")
	flags.String("path", "", "URL path receiving checkpoints")
	flags.String("storage-path", "", "SQLite database path")
	flags.Int("max-records", 0, "Maximum number of checkpoints to retain")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	cfg, log, err := loadConfig(cmd, func(cfg *config.Config) {
		if port, err := flags.GetInt("port"); err == nil && port != 0 {
			cfg.Server.Port = port
		}
		if path, err := flags.GetString("path"); err == nil && path != "" {
			cfg.Server.Path = path
		}
		if path, err := flags.GetString("storage-path"); err == nil && path != "" {
			cfg.Storage.Path = path
		}
		if limit, err := flags.GetInt("max-records"); err == nil && limit != 0 {
			cfg.Storage.MaxRecords = limit
		}
	})
	if err != nil {
		return err
	}

	printStartupBanner(os.Stderr, cfg, log)

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Start(ctx)
}

func printStartupBanner(w io.Writer, cfg *config.Config, log logger.Logger) {
	title := fmt.Sprintf("ReplayTap v%s", version)
	subtitle := "Checkpoint Collection Endpoint"

	lines := []string{
		fmt.Sprintf("🚀 Listening on:   http://0.0.0.0:%d%s", cfg.Server.Port, cfg.Server.Path),
		fmt.Sprintf("🔌 Live feed:      ws://0.0.0.0:%d%s/ws", cfg.Server.Port, server.APIPath),
		fmt.Sprintf("📈 Metrics:        http://0.0.0.0:%d/metrics", cfg.Server.Port),
		fmt.Sprintf("📊 Log Level:      %s", cfg.Log.Level),
		"",
		fmt.Sprintf("💾 Storage:        %s", cfg.Storage.Path),
	}
	retention := "unlimited"
	if cfg.Storage.Retention > 0 {
		retention = cfg.Storage.Retention.String()
	}
	lines = append(lines, fmt.Sprintf("   └─ max %d records, retention %s", cfg.Storage.MaxRecords, retention))
	if cfg.Log.FileLogging.Enable {
		lines = append(lines, fmt.Sprintf("📝 File Logging:   %s", cfg.Log.FileLogging.Path))
	}
	lines = append(lines, "", "(Press Ctrl+C to stop)")

	maxLength := runewidth.StringWidth(title)
	for _, line := range append(lines, subtitle) {
		if width := runewidth.StringWidth(line); width > maxLength {
			maxLength = width
		}
	}
	boxWidth := maxLength + 4
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
	printBoxContent(w, title, boxWidth, true)
	printBoxContent(w, subtitle, boxWidth, true)
	fmt.Fprintf(w, "├%s┤\n", strings.Repeat("─", boxWidth-2))
	for _, line := range lines {
		printBoxContent(w, line, boxWidth, false)
	}
	fmt.Fprintf(w, "└%s┘\n", strings.Repeat("─", boxWidth-2))
	fmt.Fprintln(w)

	log.Info("ReplayTap starting",
		"version", version,
		"port", cfg.Server.Port,
		"path", cfg.Server.Path,
		"storage", cfg.Storage.Path,
		"log_level", cfg.Log.Level,
	)
}

func printBoxContent(w io.Writer, content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}

	var left, right string
	if center {
		left = strings.Repeat(" ", padding/2)
		right = strings.Repeat(" ", padding-padding/2)
	} else {
		left = "  "
		right = strings.Repeat(" ", max(padding-2, 0))
	}
	fmt.Fprintf(w, "│%s%s%s│\n", left, content, right)
}
