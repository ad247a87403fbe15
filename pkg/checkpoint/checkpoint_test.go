package checkpoint

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/replaytap/pkg/codec"
)

func TestNewAndDecode(t *testing.T) {
	rec, err := New("svc", "app.add", map[string]any{"args": []any{1, 2}, "kwargs": map[string]any{}}, 3, 10, 10.5)
	require.NoError(t, err)

	assert.Equal(t, "svc/app.add", rec.Location)
	assert.JSONEq(t, `{"args":[1,2],"kwargs":{}}`, string(rec.Input))
	assert.Equal(t, "3", string(rec.Output))
	assert.Equal(t, "svc", rec.Metadata.Name)
	assert.Equal(t, string(codec.HintJSON), rec.Metadata.InputHint)

	entry, err := rec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "svc", entry.Name())
	assert.Equal(t, "app.add", entry.SiteID())
	assert.Equal(t, 3.0, entry.Output)
	assert.Equal(t, 500*time.Millisecond, entry.Range().Duration())
	assert.False(t, entry.Failed())
}

func TestBinaryPayloadIsQuotedText(t *testing.T) {
	rec, err := New("svc", "app.blob", []byte{0, 1, 2}, nil, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, string(codec.HintBinary), rec.Metadata.InputHint)

	var text string
	require.NoError(t, json.Unmarshal(rec.Input, &text))

	entry, err := rec.Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, entry.Input)
	assert.Nil(t, entry.Output)
}

func TestUnmarshalLegacyMetadata(t *testing.T) {
	data := `{"input":{"args":[],"kwargs":{}},"output":1,
		"metadata":{"name":"old","location":"old/app.f","start_ts":4,"finish_ts":5}}`
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(data), &rec))

	assert.Equal(t, "old/app.f", rec.Location)
	assert.Equal(t, 4.0, rec.StartTS)
	assert.Equal(t, 5.0, rec.FinishTS)
	assert.Equal(t, "old", rec.Metadata.Name)
}

func TestUnmarshalFlatWins(t *testing.T) {
	data := `{"location":"new/app.f","start_ts":7,"finish_ts":8,"input":null,"output":null,
		"metadata":{"name":"new","location":"stale/app.f","start_ts":1}}`
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(data), &rec))
	assert.Equal(t, "new/app.f", rec.Location)
	assert.Equal(t, 7.0, rec.StartTS)
}

func TestUnmarshalBadMetadata(t *testing.T) {
	var rec Record
	err := json.Unmarshal([]byte(`{"location":"a/b","metadata":"nope"}`), &rec)
	assert.ErrorContains(t, err, "metadata")
}

func TestRelayRoundTrip(t *testing.T) {
	rec, err := New("svc", "app.greet", map[string]any{"args": []any{"ada"}, "kwargs": map[string]any{}}, "hi ada", 1, 2)
	require.NoError(t, err)

	rr := ToRelay(rec)
	assert.Equal(t, `"hi ada"`, rr.Output)

	wire, err := json.Marshal(rr)
	require.NoError(t, err)
	var back RelayRecord
	require.NoError(t, json.Unmarshal(wire, &back))

	got, err := FromRelay(back)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestFromRelayRejectsInvalidPayload(t *testing.T) {
	_, err := FromRelay(RelayRecord{Location: "svc/app.f", Input: "{not json", Output: "1"})
	assert.ErrorContains(t, err, "relay input of svc/app.f")

	rec, err := FromRelay(RelayRecord{Location: "svc/app.f"})
	require.NoError(t, err)
	assert.Equal(t, "null", string(rec.Input))
}

func TestFailed(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  bool
		msg   string
	}{
		{"outcome error", Entry{Output: ErrorOutput(errors.New("boom")), Metadata: Metadata{Outcome: OutcomeError}}, true, "boom"},
		{"shape only", Entry{Output: map[string]any{"error": "late"}}, true, "late"},
		{"outcome ok overrides shape", Entry{Output: map[string]any{"error": "x"}, Metadata: Metadata{Outcome: "ok"}}, false, "x"},
		{"extra keys", Entry{Output: map[string]any{"error": "x", "code": 1.0}}, false, ""},
		{"plain value", Entry{Output: 4.0}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Failed())
			assert.Equal(t, tt.msg, tt.entry.ErrorMessage())
		})
	}
}

func TestSplitJoin(t *testing.T) {
	name, site := Split(Join("svc", "pkg/sub.Func"))
	assert.Equal(t, "svc", name)
	assert.Equal(t, "pkg/sub.Func", site)

	name, site = Split("bare")
	assert.Empty(t, name)
	assert.Equal(t, "bare", site)
}

func TestTimestamps(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 250_000_000, time.UTC)
	ts := Timestamp(at)
	assert.InDelta(t, float64(at.Unix())+0.25, ts, 1e-6)
	assert.WithinDuration(t, at, Time(ts), time.Microsecond)

	outer := TimeRange{Start: 1, Finish: 5}
	assert.True(t, outer.Contains(TimeRange{Start: 1, Finish: 5}))
	assert.True(t, outer.Contains(TimeRange{Start: 2, Finish: 3}))
	assert.False(t, outer.Contains(TimeRange{Start: 0.5, Finish: 3}))
}
