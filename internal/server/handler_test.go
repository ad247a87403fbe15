package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/funnyzak/replaytap/internal/collector"
	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/sink"
)

type recordingSink struct {
	mu    sync.Mutex
	items []*storage.StoredCheckpoint
}

func (r *recordingSink) PrintCheckpoint(item *storage.StoredCheckpoint) error {
	r.Record(item)
	return nil
}

func (r *recordingSink) Record(item *storage.StoredCheckpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

func (r *recordingSink) Close() {}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.New(&config.StorageConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "endpoint.db"),
	}, noopLogger{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestHandler(t *testing.T, maxBody int64) (*Handler, *recordingSink, *recordingSink, *sync.WaitGroup) {
	t.Helper()
	printed, viewed := &recordingSink{}, &recordingSink{}
	wg := &sync.WaitGroup{}
	h := NewHandler(printed, noopLogger{}, &ServerConfig{Path: "/checkpoints", MaxBodyBytes: maxBody},
		newTestStore(t), viewed, context.Background(), wg)
	return h, printed, viewed, wg
}

func relayBody(t *testing.T, site string, start float64) string {
	t.Helper()
	rec, err := checkpoint.New("svc", site, map[string]any{"args": []any{1.0}, "kwargs": map[string]any{}}, 2, start, start+1)
	if err != nil {
		t.Fatalf("build record: %v", err)
	}
	raw, err := json.Marshal(checkpoint.ToRelay(rec))
	if err != nil {
		t.Fatalf("marshal relay: %v", err)
	}
	return string(raw)
}

func pending(t *testing.T, h *Handler, query string) []checkpoint.RelayRecord {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "http://localhost/checkpoints"+query, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var relayed []checkpoint.RelayRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &relayed); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	return relayed
}

func TestReceiveStoresAndServesPending(t *testing.T) {
	h, printed, viewed, wg := newTestHandler(t, 0)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "http://localhost/checkpoints", strings.NewReader(relayBody(t, "app.add", 1))))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
	}
	wg.Wait()

	if printed.count() != 1 || viewed.count() != 1 {
		t.Fatalf("expected print and broadcast, got %d %d", printed.count(), viewed.count())
	}

	relayed := pending(t, h, "")
	if len(relayed) != 1 || relayed[0].Location != "svc/app.add" {
		t.Fatalf("unexpected pending records: %+v", relayed)
	}
	if relayed[0].Input != `{"args":[1],"kwargs":{}}` {
		t.Fatalf("input should stay a JSON string, got %q", relayed[0].Input)
	}
}

func TestReceiveArrayAndAfter(t *testing.T) {
	h, _, _, wg := newTestHandler(t, 0)

	body := "[" + relayBody(t, "app.a", 1) + "," + relayBody(t, "app.b", 2) + "]"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "http://localhost/checkpoints", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	wg.Wait()

	if got := pending(t, h, ""); len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	got := pending(t, h, "?after=1")
	if len(got) != 1 || got[0].Location != "svc/app.b" {
		t.Fatalf("after filter failed: %+v", got)
	}
}

func TestReceiveRejectsInvalidBodies(t *testing.T) {
	h, _, _, _ := newTestHandler(t, 0)

	for name, body := range map[string]string{
		"malformed":        "not json",
		"empty":            "  ",
		"missing location": `{"input":"1","output":"2"}`,
		"payload not json": `{"location":"svc/x","input":"{","output":"2"}`,
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("POST", "http://localhost/checkpoints", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rr.Code)
		}
	}
	if got := pending(t, h, ""); len(got) != 0 {
		t.Fatalf("rejected bodies should not be stored: %+v", got)
	}
}

func TestReceiveBodyLimit(t *testing.T) {
	h, _, _, _ := newTestHandler(t, 16)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "http://localhost/checkpoints", strings.NewReader(relayBody(t, "app.add", 1))))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _, _ := newTestHandler(t, 0)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("DELETE", "http://localhost/checkpoints", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestRelayToCollectorRoundTrip(t *testing.T) {
	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 38889, Path: "/checkpoints"},
		Storage: config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "rt.db")},
		Output:  config.OutputConfig{Silence: true},
	}
	s, err := New(cfg, noopLogger{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		s.Stop()
	})

	rec, err := checkpoint.New("svc", "app.greet", map[string]any{"args": []any{"ada"}, "kwargs": map[string]any{}}, "hi ada", 5, 6)
	if err != nil {
		t.Fatalf("build record: %v", err)
	}
	relay := sink.NewRelay(srv.URL+"/checkpoints", time.Second, noopLogger{})
	if err := relay.Save(context.Background(), rec); err != nil {
		t.Fatalf("relay save: %v", err)
	}

	records, err := collector.NewFetcher(srv.URL+"/checkpoints", time.Second).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	entry, err := records[0].Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Location != "svc/app.greet" || entry.Output != "hi ada" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", resp.StatusCode)
	}
}

func TestNewRejectsOverlappingPath(t *testing.T) {
	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 38889, Path: "/api/checkpoints"},
		Storage: config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")},
	}
	if _, err := New(cfg, noopLogger{}); err == nil {
		t.Fatalf("expected path conflict error")
	}
}

func TestPathsOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"/checkpoints", "/api", false},
		{"/api/", "/api", true},
		{"/api/x", "/api", true},
		{"/apix", "/api", false},
		{"/", "/api", false},
		{"", "/", true},
	}
	for _, c := range cases {
		if got := PathsOverlap(c.a, c.b); got != c.want {
			t.Fatalf("PathsOverlap(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

// noopLogger implements logger.Logger for tests
type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}
