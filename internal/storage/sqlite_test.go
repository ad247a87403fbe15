package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func newTestStore(t *testing.T, maxRecords int) Store {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.StorageConfig{
		Driver:     "sqlite",
		Path:       filepath.Join(dir, "replaytap.db"),
		MaxRecords: maxRecords,
	}
	store, err := New(cfg, noopLogger{})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func fakeCheckpoint(t *testing.T, name, site string, start float64) checkpoint.Record {
	t.Helper()
	rec, err := checkpoint.New(name, site, map[string]any{"args": []any{1.0}, "kwargs": map[string]any{}}, 2.0, start, start+1)
	if err != nil {
		t.Fatalf("build checkpoint: %v", err)
	}
	return rec
}

func TestSQLiteStore_RecordAndGet(t *testing.T) {
	store := newTestStore(t, 100)
	rec := fakeCheckpoint(t, "app", "pkg.square", 10)
	rec.Metadata.Context = "req-1"

	stored, err := store.Record(context.Background(), rec)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if stored.ID == "" || stored.Seq == 0 {
		t.Fatalf("expected id and seq to be set, got %#v", stored)
	}

	got, err := store.Get(stored.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.Checkpoint.Location != "app/pkg.square" {
		t.Fatalf("unexpected record returned: %#v", got)
	}
	if string(got.Checkpoint.Output) != "2" {
		t.Fatalf("unexpected output: %s", string(got.Checkpoint.Output))
	}
	if got.Checkpoint.Metadata.Context != "req-1" || got.Checkpoint.Metadata.InputHint != "json" {
		t.Fatalf("metadata not preserved: %#v", got.Checkpoint.Metadata)
	}
	if got.Checkpoint.StartTS != 10 || got.Checkpoint.FinishTS != 11 {
		t.Fatalf("timestamps not preserved: %v %v", got.Checkpoint.StartTS, got.Checkpoint.FinishTS)
	}

	entry, err := got.Checkpoint.Decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if entry.Output != 2.0 {
		t.Fatalf("unexpected decoded output: %#v", entry.Output)
	}
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := newTestStore(t, 100)
	got, err := store.Get("nope")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for missing id, got %#v, %v", got, err)
	}
}

func TestSQLiteStore_RejectsEmptyLocation(t *testing.T) {
	store := newTestStore(t, 100)
	if _, err := store.Record(context.Background(), checkpoint.Record{}); err == nil {
		t.Fatal("expected error for empty location")
	}
}

func TestSQLiteStore_ListFilters(t *testing.T) {
	store := newTestStore(t, 100)
	names := []string{"app", "worker", "app"}
	for i, name := range names {
		if _, err := store.Record(context.Background(), fakeCheckpoint(t, name, fmt.Sprintf("pkg.Fn%d", i), float64(i))); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	items, total, err := store.List(ListOptions{Name: "app"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 app records, got total=%d len=%d", total, len(items))
	}
	if items[0].Seq >= items[1].Seq {
		t.Fatalf("expected arrival order, got seq %d then %d", items[0].Seq, items[1].Seq)
	}

	_, total, err = store.List(ListOptions{Search: "FN"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 results, got %d", total)
	}

	items, total, err = store.List(ListOptions{AfterSeq: items[0].Seq})
	if err != nil {
		t.Fatalf("after seq failed: %v", err)
	}
	if total != 2 || items[0].Checkpoint.Location != "worker/pkg.Fn1" {
		t.Fatalf("unexpected pending records: total=%d first=%#v", total, items[0])
	}

	items, total, err = store.List(ListOptions{Limit: 1, Offset: 2})
	if err != nil {
		t.Fatalf("paged list failed: %v", err)
	}
	if total != 3 || len(items) != 1 || items[0].Checkpoint.Location != "app/pkg.Fn2" {
		t.Fatalf("unexpected page: total=%d items=%#v", total, items)
	}
}

func TestSQLiteStore_IterateStops(t *testing.T) {
	store := newTestStore(t, 100)
	for i := 0; i < 5; i++ {
		if _, err := store.Record(context.Background(), fakeCheckpoint(t, "app", fmt.Sprintf("pkg.I%d", i), float64(i))); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	count := 0
	err := store.Iterate(ListOptions{}, func(*StoredCheckpoint) bool {
		count++
		return count < 3
	})
	if err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected to stop after 3 iterations, got %d", count)
	}
}

func TestSQLiteStore_PruneMaxRecords(t *testing.T) {
	store := newTestStore(t, 2)
	for i := 0; i < 3; i++ {
		if _, err := store.Record(context.Background(), fakeCheckpoint(t, "app", fmt.Sprintf("pkg.P%d", i), float64(i))); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	items, err := store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected only 2 records retained, got %d", len(items))
	}
	if items[0].Checkpoint.Location != "app/pkg.P1" {
		t.Fatalf("expected oldest record pruned, first is %s", items[0].Checkpoint.Location)
	}
}

func TestSQLiteStore_PruneRetention(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.StorageConfig{Path: filepath.Join(dir, "r.db"), Retention: time.Minute}
	store, err := newSQLiteStore(cfg, noopLogger{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer store.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	if _, err := store.Record(context.Background(), fakeCheckpoint(t, "app", "pkg.Old", 1)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := store.Record(context.Background(), fakeCheckpoint(t, "app", "pkg.New", 2)); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	items, err := store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(items) != 1 || items[0].Checkpoint.Location != "app/pkg.New" {
		t.Fatalf("expected only the new record, got %#v", items)
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	if _, err := New(&config.StorageConfig{Driver: "postgres", Path: "x"}, nil); err != ErrUnsupportedDriver {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}
