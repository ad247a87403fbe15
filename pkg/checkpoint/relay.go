package checkpoint

import (
	"encoding/json"
	"fmt"
)

// RelayRecord is the form exchanged with a collection endpoint: input and
// output travel as JSON-encoded strings.
type RelayRecord struct {
	Location string   `json:"location"`
	Input    string   `json:"input"`
	Output   string   `json:"output"`
	StartTS  float64  `json:"start_ts"`
	FinishTS float64  `json:"finish_ts"`
	Metadata Metadata `json:"metadata"`
}

// ToRelay wraps the payloads of r as JSON strings.
func ToRelay(r Record) RelayRecord {
	return RelayRecord{
		Location: r.Location,
		Input:    rawText(r.Input),
		Output:   rawText(r.Output),
		StartTS:  r.StartTS,
		FinishTS: r.FinishTS,
		Metadata: r.Metadata,
	}
}

// FromRelay unwraps the JSON string payloads of rr.
func FromRelay(rr RelayRecord) (Record, error) {
	in, err := rawJSON(rr.Input)
	if err != nil {
		return Record{}, fmt.Errorf("relay input of %s: %w", rr.Location, err)
	}
	out, err := rawJSON(rr.Output)
	if err != nil {
		return Record{}, fmt.Errorf("relay output of %s: %w", rr.Location, err)
	}
	return Record{
		Location: rr.Location,
		Input:    in,
		Output:   out,
		StartTS:  rr.StartTS,
		FinishTS: rr.FinishTS,
		Metadata: rr.Metadata,
	}, nil
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func rawJSON(text string) (json.RawMessage, error) {
	if text == "" {
		return json.RawMessage("null"), nil
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(text), nil
}
