package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/session"
)

func init() {
	color.NoColor = true
}

func record(t *testing.T, site string, output any, start, finish float64) checkpoint.Record {
	t.Helper()
	rec, err := checkpoint.New("svc", site, map[string]any{"args": []any{}, "kwargs": map[string]any{}}, output, start, finish)
	require.NoError(t, err)
	return rec
}

func entries(t *testing.T, recs ...checkpoint.Record) []checkpoint.Entry {
	t.Helper()
	out := make([]checkpoint.Entry, 0, len(recs))
	for _, rec := range recs {
		e, err := rec.Decode()
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestSummarizeGroupsBySiteInFirstSeenOrder(t *testing.T) {
	failed := record(t, "app.divide", checkpoint.ErrorOutput("division by zero"), 3, 3.5)
	failed.Metadata.Outcome = checkpoint.OutcomeError

	rows := summarize(entries(t,
		record(t, "app.add", 1, 1, 1.25),
		failed,
		record(t, "app.add", 2, 4, 4.5),
	))
	require.Len(t, rows, 2)
	assert.Equal(t, siteSummary{Site: "app.add", Calls: 2, Total: 750_000_000}, rows[0])
	assert.Equal(t, "app.divide", rows[1].Site)
	assert.Equal(t, 1, rows[1].Errors)
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	writeSummary(&buf, []siteSummary{
		{Site: "app.add", Calls: 1200, Total: 1500_000},
		{Site: "app.divide", Calls: 1, Errors: 1},
	})
	out := buf.String()
	assert.Contains(t, out, "SITE        ")
	assert.Regexp(t, `app\.add\s+1,200\s+0\s+1\.5ms\n`, out)
	assert.Contains(t, out, "2 sites, 1,201 calls, 1 errors")
}

func TestInspectCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	var lines bytes.Buffer
	for _, rec := range []checkpoint.Record{
		record(t, "main.add", 1, 1, 2),
		record(t, "main.greet", "hi", 2, 3),
	} {
		raw, err := json.Marshal(rec)
		require.NoError(t, err)
		lines.Write(append(raw, '\n'))
	}
	require.NoError(t, os.WriteFile(path, lines.Bytes(), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"inspect", path, "--main", "example.com/app", "--match", "add"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "example.com/app.add")
	assert.NotContains(t, out.String(), "greet")
}

func TestExportStoreLoadsBackAsSession(t *testing.T) {
	store, err := storage.New(&config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, nil)
	require.NoError(t, err)
	defer store.Close()

	for _, rec := range []checkpoint.Record{
		record(t, "app.add", 1, 1, 2),
		record(t, "app.greet", "hi", 2, 3),
	} {
		_, err := store.Record(context.Background(), rec)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, exportStore(&buf, store, storage.ListOptions{Search: "greet"}, "jsonl"))
	s, err := session.Load(&buf)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "hi", s.Entries()[0].Output)

	assert.Error(t, exportStore(&bytes.Buffer{}, store, storage.ListOptions{}, "xml"))
}

func TestPrintBoxContentPadsByDisplayWidth(t *testing.T) {
	var buf bytes.Buffer
	printBoxContent(&buf, "🚀 wide", 20, false)
	printBoxContent(&buf, "title", 20, true)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Equal(t, 20, runewidth.StringWidth(line), line)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "ReplayTap version dev")
}
