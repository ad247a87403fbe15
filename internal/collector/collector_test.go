package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

func init() {
	color.NoColor = true
}

func addRecord(t *testing.T) checkpoint.Record {
	t.Helper()
	rec, err := checkpoint.New("svc", "app.add",
		map[string]any{"args": []any{1, 2}, "kwargs": map[string]any{}}, 3, 1.5, 2.25)
	require.NoError(t, err)
	return rec
}

func greetRecord(t *testing.T) checkpoint.Record {
	t.Helper()
	rec, err := checkpoint.New("svc", "app.greet",
		map[string]any{"args": []any{"ada"}, "kwargs": map[string]any{}}, "hello ada", 3, 3.5)
	require.NoError(t, err)
	return rec
}

// endpoint serves the relay form of records, one batch per request; the
// last batch repeats.
func endpoint(t *testing.T, batches ...[]checkpoint.Record) *httptest.Server {
	t.Helper()
	var (
		mu   sync.Mutex
		next int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		batch := batches[next]
		if next < len(batches)-1 {
			next++
		}
		mu.Unlock()

		relayed := make([]checkpoint.RelayRecord, 0, len(batch))
		for _, rec := range batch {
			relayed = append(relayed, checkpoint.ToRelay(rec))
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(relayed))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCollectorDeduplicates(t *testing.T) {
	c := New()
	line, fresh, err := c.Add(addRecord(t))
	require.NoError(t, err)
	assert.True(t, fresh)

	again, fresh, err := c.Add(addRecord(t))
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, line, again)

	_, fresh, err = c.Add(greetRecord(t))
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, 2, c.Count())
}

func TestCollectorLineIsCanonical(t *testing.T) {
	line, _, err := New().Add(addRecord(t))
	require.NoError(t, err)
	assert.Equal(t,
		`{"finish_ts":2.25,"input":{"args":[1,2],"kwargs":{}},"location":"svc/app.add","metadata":{"input_hint":"json","name":"svc","output_hint":"json"},"output":3,"start_ts":1.5}`,
		line)
}

func TestFetcherUnwrapsRelayForm(t *testing.T) {
	srv := endpoint(t, []checkpoint.Record{addRecord(t), greetRecord(t)})

	records, err := NewFetcher(srv.URL, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "svc/app.add", records[0].Location)
	assert.JSONEq(t, `{"args":[1,2],"kwargs":{}}`, string(records[0].Input))

	entry, err := records[1].Decode()
	require.NoError(t, err)
	assert.Equal(t, "hello ada", entry.Output)
}

func TestFetcherRejectsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.URL, time.Second).Fetch(context.Background())
	assert.ErrorContains(t, err, "503")
}

func TestPollerPrintsEachRecordOnce(t *testing.T) {
	first := []checkpoint.Record{addRecord(t)}
	second := []checkpoint.Record{addRecord(t), greetRecord(t)}
	srv := endpoint(t, first, second)

	var out, errOut bytes.Buffer
	p := NewPoller(NewFetcher(srv.URL, time.Second), time.Millisecond, &out, &errOut, nil)
	assert.Equal(t, 1, p.Poll(context.Background()))
	assert.Equal(t, 1, p.Poll(context.Background()))
	assert.Equal(t, 0, p.Poll(context.Background()))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "poll_stdout", out.Bytes())
	assert.Equal(t, "collected 1\ncollected 2\n", errOut.String())
}

type failingSource struct{ err error }

func (f failingSource) Fetch(context.Context) ([]checkpoint.Record, error) {
	return nil, f.err
}

func TestPollerWarnsAndContinues(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPoller(failingSource{err: errors.New("connection refused")}, time.Millisecond, &out, &errOut, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "WARNING: connection refused\n")
	assert.Zero(t, p.Collector().Count())
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := endpoint(t, []checkpoint.Record{addRecord(t)})
	var out, errOut bytes.Buffer
	p := NewPoller(NewFetcher(srv.URL, time.Second), time.Hour, &out, &errOut, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Collector().Count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
