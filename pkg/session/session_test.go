package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

func line(t *testing.T, site string, output any, start, finish float64) string {
	t.Helper()
	rec, err := checkpoint.New("app", site, map[string]any{"args": []any{}, "kwargs": map[string]any{}}, output, start, finish)
	require.NoError(t, err)
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	return string(b)
}

func load(t *testing.T, lines []string, opts ...Option) *Session {
	t.Helper()
	s, err := Load(strings.NewReader(strings.Join(lines, "\n")+"\n"), opts...)
	require.NoError(t, err)
	return s
}

func starts(entries []checkpoint.Entry) []float64 {
	out := make([]float64, len(entries))
	for i, e := range entries {
		out[i] = e.StartTS
	}
	return out
}

func TestFilterKeepsSessionOrder(t *testing.T) {
	s := load(t, []string{
		line(t, "calc.square", 4.0, 2, 2.5),
		line(t, "calc.square", 9.0, 5, 5.5),
		line(t, "calc.cube", 1.0, 1, 1.5),
		line(t, "calc.square", 16.0, 8, 8.5),
	})
	require.Equal(t, 4, s.Len())

	assert.Equal(t, []float64{2, 5, 1, 8}, starts(s.Filter(nil)))
	assert.Equal(t, []float64{2, 5, 8}, starts(s.Filter(Match("square"))))
	assert.Equal(t, []float64{1, 2, 5, 8}, starts(s.Sorted()))
	assert.Equal(t, []float64{2, 5, 1, 8}, starts(s.Entries()))
	assert.Equal(t, []string{"calc.square", "calc.cube"}, s.Sites())
}

func TestWithinScopesToEnclosingSpan(t *testing.T) {
	s := load(t, []string{
		line(t, "svc.outer", nil, 1, 10),
		line(t, "svc.inner", nil, 2, 3),
		line(t, "svc.inner", nil, 20, 21),
	})
	outer := s.Filter(Match("outer"))
	require.Len(t, outer, 1)

	inner := s.Filter(Scope("inner", &checkpoint.TimeRange{Start: outer[0].StartTS, Finish: outer[0].FinishTS}))
	require.Len(t, inner, 1)
	assert.Equal(t, checkpoint.TimeRange{Start: 2, Finish: 3}, inner[0].Range())

	assert.Len(t, s.Filter(Scope("inner", nil)), 2)
}

func TestWithMainRewritesEntryPackage(t *testing.T) {
	lines := []string{line(t, "main.handler", "ok", 1, 2), line(t, "lib.helper", "ok", 3, 4)}

	s := load(t, lines, WithMain("example.com/svc"))
	entries := s.Entries()
	assert.Equal(t, "app/example.com/svc.handler", entries[0].Location)
	assert.Equal(t, "example.com/svc.handler", entries[0].SiteID())
	assert.Equal(t, "app/lib.helper", entries[1].Location)

	plain := load(t, lines)
	assert.Equal(t, "main.handler", plain.Entries()[0].SiteID())
}

func TestLoadDecodesPayloads(t *testing.T) {
	s := load(t, []string{line(t, "big.value", int64(1)<<60, 1, 2)})
	entry := s.Entries()[0]
	assert.NotEqual(t, "json", entry.Metadata.OutputHint)
	assert.Equal(t, int64(1)<<60, entry.Output)
	assert.Equal(t, map[string]any{"args": []any{}, "kwargs": map[string]any{}}, entry.Input)
}

func TestLoadAcceptsNestedMetadataVariant(t *testing.T) {
	raw := `{"input":{"args":[1],"kwargs":{}},"output":2,"metadata":{"name":"app","location":"app/calc.inc","start_ts":3,"finish_ts":4}}`
	for _, opts := range [][]Option{nil, {WithSchemaValidation()}} {
		s := load(t, []string{raw}, opts...)
		entry := s.Entries()[0]
		assert.Equal(t, "calc.inc", entry.SiteID())
		assert.Equal(t, checkpoint.TimeRange{Start: 3, Finish: 4}, entry.Range())
		assert.Equal(t, 2.0, entry.Output)
	}
}

func TestLoadMalformedLineAborts(t *testing.T) {
	input := line(t, "calc.square", 1.0, 1, 2) + "\n\n{not json}\n" + line(t, "calc.square", 1.0, 3, 4)
	s, err := Load(strings.NewReader(input))
	assert.Nil(t, s)

	var lineErr *LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, 3, lineErr.Line)
}

func TestLoadUnknownHintAborts(t *testing.T) {
	raw := `{"location":"app/x.y","input":null,"output":"abc","start_ts":1,"finish_ts":2,"metadata":{"name":"app","output_hint":"pickle"}}`
	_, err := Load(strings.NewReader(raw))
	var lineErr *LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, 1, lineErr.Line)
}

func TestSchemaValidation(t *testing.T) {
	raw := `{"location":"app/x.y","input":1,"output":2}`

	_, err := Load(strings.NewReader(raw))
	require.NoError(t, err)

	_, err = Load(strings.NewReader(raw), WithSchemaValidation())
	var lineErr *LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Contains(t, lineErr.Error(), "schema validation failed")

	bad := `{"location":"app/x.y","input":1,"output":2,"metadata":{"outcome":"maybe"}}`
	_, err = Load(strings.NewReader(bad), WithSchemaValidation())
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(line(t, "calc.square", 4.0, 1, 2)+"\n"), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFromStore(t *testing.T) {
	store, err := storage.New(&config.StorageConfig{Path: filepath.Join(t.TempDir(), "s.db")}, nil)
	require.NoError(t, err)
	defer store.Close()

	for i, site := range []string{"main.run", "calc.square"} {
		rec, err := checkpoint.New("app", site, nil, float64(i), float64(i), float64(i)+1)
		require.NoError(t, err)
		_, err = store.Record(context.Background(), rec)
		require.NoError(t, err)
	}

	s, err := FromStore(store, WithMain("example.com/cli"))
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com/cli.run", "calc.square"}, s.Sites())
}

func TestRecorderPredicate(t *testing.T) {
	other, err := checkpoint.New("worker", "calc.square", nil, 1.0, 1, 2)
	require.NoError(t, err)
	b, err := json.Marshal(other)
	require.NoError(t, err)

	s := load(t, []string{line(t, "calc.square", 1.0, 1, 2), string(b)})
	assert.Len(t, s.Filter(Recorder("worker")), 1)
	assert.Len(t, s.Filter(And(Recorder("app"), Match("square"))), 1)
	assert.Len(t, s.Filter(And(Recorder("app"), Match("cube"))), 0)
}

func TestNewCopiesEntries(t *testing.T) {
	entries := []checkpoint.Entry{{Location: "app/a.b"}}
	s := New(entries)
	entries[0].Location = "changed"
	assert.Equal(t, "app/a.b", s.Entries()[0].Location)
}
