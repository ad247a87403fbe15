package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/internal/web"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored checkpoints (json, jsonl, csv, yaml)",
	Long: `Export the checkpoints held by the serve command's store. The jsonl format
writes bare records and loads back as a session log.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	flags := exportCmd.Flags()
	flags.StringP("format", "f", "jsonl", "Export format (json, jsonl, csv, yaml)")
	flags.StringP("out", "o", "", "Write to this file instead of stdout")
	flags.String("storage-path", "", "SQLite database path")
	flags.String("recorder", "", "Only export checkpoints from this recorder")
	flags.String("search", "", "Only export locations containing this text")
}

func runExport(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	cfg, log, err := loadConfig(cmd, func(cfg *config.Config) {
		if path, err := flags.GetString("storage-path"); err == nil && path != "" {
			cfg.Storage.Path = path
		}
	})
	if err != nil {
		return err
	}

	store, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var out io.Writer = cmd.OutOrStdout()
	if path, _ := flags.GetString("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	format, _ := flags.GetString("format")
	name, _ := flags.GetString("recorder")
	search, _ := flags.GetString("search")
	return exportStore(out, store, storage.ListOptions{Name: name, Search: search}, format)
}

func exportStore(w io.Writer, store storage.Store, opts storage.ListOptions, format string) error {
	var iterErr error
	_, _, err := web.StreamExport(w, func(yield func(*web.StoredCheckpoint) bool) {
		iterErr = store.Iterate(opts, yield)
	}, format)
	if err != nil {
		return err
	}
	return iterErr
}
