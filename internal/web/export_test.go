package web

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/session"
)

func fixture(t *testing.T) []*StoredCheckpoint {
	t.Helper()
	add, err := checkpoint.New("svc", "app.add", map[string]any{"args": []any{1, 2}, "kwargs": map[string]any{}}, 3, 10, 10.25)
	if err != nil {
		t.Fatalf("build record: %v", err)
	}
	failed, err := checkpoint.New("svc", "app.divide", map[string]any{"args": []any{1, 0}, "kwargs": map[string]any{}},
		checkpoint.ErrorOutput("division by zero"), 11, 11.5)
	if err != nil {
		t.Fatalf("build record: %v", err)
	}
	failed.Metadata.Outcome = checkpoint.OutcomeError

	received := time.Date(2025, time.November, 7, 12, 0, 0, 0, time.UTC)
	return []*StoredCheckpoint{
		{ID: "a", Seq: 1, ReceivedAt: received, Checkpoint: add},
		{ID: "b", Seq: 2, ReceivedAt: received, Checkpoint: failed},
	}
}

func TestExportCheckpointsJSON(t *testing.T) {
	buf, contentType, ext, err := ExportCheckpoints(fixture(t), "json")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if contentType != "application/json" || ext != "json" {
		t.Fatalf("unexpected metadata: %s %s", contentType, ext)
	}

	var decoded []StoredCheckpoint
	if err := json.Unmarshal(buf, &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(decoded) != 2 || decoded[1].Checkpoint.Location != "svc/app.divide" {
		t.Fatalf("unexpected export: %+v", decoded)
	}
}

func TestExportJSONLLoadsAsSession(t *testing.T) {
	buf, _, ext, err := ExportCheckpoints(fixture(t), "ndjson")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if ext != "jsonl" {
		t.Fatalf("unexpected extension: %s", ext)
	}

	s, err := session.Load(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("load exported session: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
	if !s.Entries()[1].Failed() {
		t.Fatalf("second entry should be failed")
	}
}

func TestExportCSV(t *testing.T) {
	buf, contentType, _, err := ExportCheckpoints(fixture(t), "csv")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if contentType != "text/csv" {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	got := string(buf)
	if !strings.HasPrefix(got, "id,seq,received_at,location") {
		t.Fatalf("csv header missing: %s", got)
	}
	if !strings.Contains(got, "svc/app.add") || !strings.Contains(got, "250.000") {
		t.Fatalf("row missing: %s", got)
	}
	if !strings.Contains(got, ",error,") {
		t.Fatalf("outcome column missing: %s", got)
	}
}

func TestExportYAML(t *testing.T) {
	buf, contentType, ext, err := ExportCheckpoints(fixture(t), "yml")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if contentType != "application/yaml" || ext != "yaml" {
		t.Fatalf("unexpected metadata: %s %s", contentType, ext)
	}

	got := string(buf)
	if !strings.Contains(got, "location: svc/app.add") {
		t.Fatalf("location missing: %s", got)
	}
	if !strings.Contains(got, "error: division by zero") {
		t.Fatalf("payload not expanded: %s", got)
	}
	if strings.Count(got, "---") != 1 {
		t.Fatalf("expected two documents: %s", got)
	}
}

func TestStreamExportStopsEarly(t *testing.T) {
	items := fixture(t)
	buf := &bytes.Buffer{}
	seen := 0
	_, _, err := StreamExport(buf, func(yield func(*StoredCheckpoint) bool) {
		for _, it := range items {
			seen++
			if !yield(it) {
				return
			}
		}
	}, "jsonl")
	if err != nil {
		t.Fatalf("stream export failed: %v", err)
	}
	if seen != 2 || strings.Count(buf.String(), "\n") != 2 {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestStreamExportInvalidFormat(t *testing.T) {
	if _, _, err := StreamExport(&bytes.Buffer{}, func(func(*StoredCheckpoint) bool) {}, "xml"); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestAllowedFormats(t *testing.T) {
	got := AllowedFormats([]string{" CSV", "yml", "", "csv"})
	if strings.Join(got, ",") != "csv,yaml" {
		t.Fatalf("unexpected formats: %v", got)
	}
	if len(AllowedFormats(nil)) != len(Formats) {
		t.Fatalf("empty list should allow every format")
	}
}
