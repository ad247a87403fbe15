package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/funnyzak/replaytap/pkg/codec"
)

// OutcomeError marks a record whose call failed.
const OutcomeError = "error"

// Metadata open mapping carried by every record
type Metadata struct {
	Name       string            `json:"name"`
	Context    string            `json:"context,omitempty"`
	InputHint  string            `json:"input_hint,omitempty"`
	OutputHint string            `json:"output_hint,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Record is one checkpoint in its wire form. Input and Output hold the
// encoded payloads: inline JSON for the "json" hint, a JSON string with
// the codec text for any other hint.
type Record struct {
	Location string          `json:"location"`
	Input    json.RawMessage `json:"input"`
	Output   json.RawMessage `json:"output"`
	StartTS  float64         `json:"start_ts"`
	FinishTS float64         `json:"finish_ts"`
	Metadata Metadata        `json:"metadata"`
}

type recordAlias Record

// legacyMetadata is the older shape with location and timing nested in metadata.
type legacyMetadata struct {
	Metadata
	Location string   `json:"location"`
	StartTS  *float64 `json:"start_ts"`
	FinishTS *float64 `json:"finish_ts"`
}

// UnmarshalJSON accepts both the flat shape and the nested-metadata variant.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		recordAlias
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record(raw.recordAlias)
	r.Metadata = Metadata{}

	if len(raw.Metadata) == 0 || bytes.Equal(raw.Metadata, []byte("null")) {
		return nil
	}
	var meta legacyMetadata
	if err := json.Unmarshal(raw.Metadata, &meta); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	r.Metadata = meta.Metadata
	if r.Location == "" {
		r.Location = meta.Location
	}
	if meta.StartTS != nil && r.StartTS == 0 {
		r.StartTS = *meta.StartTS
	}
	if meta.FinishTS != nil && r.FinishTS == 0 {
		r.FinishTS = *meta.FinishTS
	}
	return nil
}

// New builds a record, encoding input and output through the codec.
func New(name, siteID string, input, output any, start, finish float64) (Record, error) {
	in, inHint, err := EncodePayload(input)
	if err != nil {
		return Record{}, fmt.Errorf("encode input: %w", err)
	}
	out, outHint, err := EncodePayload(output)
	if err != nil {
		return Record{}, fmt.Errorf("encode output: %w", err)
	}
	return Record{
		Location: Join(name, siteID),
		Input:    in,
		Output:   out,
		StartTS:  start,
		FinishTS: finish,
		Metadata: Metadata{
			Name:       name,
			InputHint:  string(inHint),
			OutputHint: string(outHint),
		},
	}, nil
}

// Decode returns the record with its payloads decoded.
func (r Record) Decode() (Entry, error) {
	input, err := DecodePayload(r.Input, r.Metadata.InputHint)
	if err != nil {
		return Entry{}, fmt.Errorf("decode input of %s: %w", r.Location, err)
	}
	output, err := DecodePayload(r.Output, r.Metadata.OutputHint)
	if err != nil {
		return Entry{}, fmt.Errorf("decode output of %s: %w", r.Location, err)
	}
	return Entry{
		Location: r.Location,
		Input:    input,
		Output:   output,
		StartTS:  r.StartTS,
		FinishTS: r.FinishTS,
		Metadata: r.Metadata,
	}, nil
}

// EncodePayload encodes v into its stored payload and hint.
func EncodePayload(v any) (json.RawMessage, codec.Hint, error) {
	hint, text, err := codec.Encode(v)
	if err != nil {
		return nil, "", err
	}
	if hint == codec.HintJSON {
		return json.RawMessage(text), hint, nil
	}
	quoted, err := json.Marshal(text)
	if err != nil {
		return nil, "", err
	}
	return quoted, hint, nil
}

// DecodePayload reverses EncodePayload. An empty hint means inline JSON.
func DecodePayload(raw json.RawMessage, hint string) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if hint == "" || codec.Hint(hint) == codec.HintJSON {
		return codec.Decode(string(raw), codec.HintJSON)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, &codec.CodecError{Op: "decode", Hint: codec.Hint(hint), Err: err}
	}
	return codec.Decode(text, codec.Hint(hint))
}

// Entry is a record with its input and output decoded.
type Entry struct {
	Location string
	Input    any
	Output   any
	StartTS  float64
	FinishTS float64
	Metadata Metadata
}

// Name returns the recorder name prefix of the location.
func (e Entry) Name() string {
	name, _ := Split(e.Location)
	return name
}

// SiteID returns the call-site id with the recorder prefix stripped.
func (e Entry) SiteID() string {
	_, site := Split(e.Location)
	return site
}

// Range returns the span covered by the entry.
func (e Entry) Range() TimeRange {
	return TimeRange{Start: e.StartTS, Finish: e.FinishTS}
}

// Failed reports whether the recorded call raised. Records without an
// outcome fall back to the {"error": msg} output shape.
func (e Entry) Failed() bool {
	if e.Metadata.Outcome != "" {
		return e.Metadata.Outcome == OutcomeError
	}
	_, ok := errorMessage(e.Output)
	return ok
}

// ErrorMessage returns the recorded error message of a failed call.
func (e Entry) ErrorMessage() string {
	msg, _ := errorMessage(e.Output)
	return msg
}

func errorMessage(output any) (string, bool) {
	m, ok := output.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	msg, ok := m["error"].(string)
	return msg, ok
}

// ErrorOutput is the output shape recorded for a failed call.
func ErrorOutput(err any) map[string]any {
	return map[string]any{"error": fmt.Sprint(err)}
}

// Join builds a location from a recorder name and a call-site id.
func Join(name, siteID string) string {
	return name + "/" + siteID
}

// Split separates a location into recorder name and call-site id.
func Split(location string) (string, string) {
	name, site, ok := strings.Cut(location, "/")
	if !ok {
		return "", location
	}
	return name, site
}

// Timestamp converts t to fractional seconds since the epoch.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts fractional seconds back to a time.Time.
func Time(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second))).UTC()
}

// TimeRange closed interval of timestamps
type TimeRange struct {
	Start  float64 `json:"start_ts"`
	Finish float64 `json:"finish_ts"`
}

// Contains reports whether other lies fully within r.
func (r TimeRange) Contains(other TimeRange) bool {
	return other.Start >= r.Start && other.Finish <= r.Finish
}

// Duration returns the length of the range.
func (r TimeRange) Duration() time.Duration {
	return time.Duration((r.Finish - r.Start) * float64(time.Second))
}
