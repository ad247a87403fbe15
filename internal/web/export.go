package web

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Formats lists every export format.
var Formats = []string{"csv", "json", "jsonl", "yaml"}

var csvHeader = []string{
	"id", "seq", "received_at", "location", "name", "context",
	"start_ts", "finish_ts", "duration_ms", "outcome", "input", "output",
}

// ExportCheckpoints serializes stored checkpoints into the desired format.
func ExportCheckpoints(data []*StoredCheckpoint, format string) ([]byte, string, string, error) {
	buf := &bytes.Buffer{}
	contentType, ext, err := StreamExport(buf, func(yield func(*StoredCheckpoint) bool) {
		for _, item := range data {
			if !yield(item) {
				return
			}
		}
	}, format)
	if err != nil {
		return nil, "", "", err
	}
	return buf.Bytes(), contentType, ext, nil
}

// StreamExport writes items to w in the desired format and returns the
// content type and file extension.
func StreamExport(w io.Writer, items iter.Seq[*StoredCheckpoint], format string) (string, string, error) {
	format = canonicalFormat(format)
	contentType, ext, ok := describeFormat(format)
	if !ok {
		return "", "", fmt.Errorf("unsupported export format: %s", format)
	}

	var err error
	switch format {
	case "json":
		err = streamJSON(w, items)
	case "jsonl":
		err = streamJSONL(w, items)
	case "csv":
		err = streamCSV(w, items)
	case "yaml":
		err = streamYAML(w, items)
	}
	return contentType, ext, err
}

func canonicalFormat(format string) string {
	switch format = strings.ToLower(strings.TrimSpace(format)); format {
	case "ndjson":
		return "jsonl"
	case "yml":
		return "yaml"
	default:
		return format
	}
}

func describeFormat(format string) (contentType, ext string, ok bool) {
	switch format {
	case "json":
		return "application/json", "json", true
	case "jsonl":
		return "application/x-ndjson", "jsonl", true
	case "csv":
		return "text/csv", "csv", true
	case "yaml":
		return "application/yaml", "yaml", true
	default:
		return "", "", false
	}
}

func streamJSON(w io.Writer, items iter.Seq[*StoredCheckpoint]) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	var err error
	items(func(item *StoredCheckpoint) bool {
		var raw []byte
		if raw, err = json.Marshal(item); err != nil {
			return false
		}
		if !first {
			if _, err = io.WriteString(w, ","); err != nil {
				return false
			}
		}
		first = false
		_, err = w.Write(raw)
		return err == nil
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "]\n")
	return err
}

// streamJSONL writes the bare records, one per line, so the output loads
// back as a session log.
func streamJSONL(w io.Writer, items iter.Seq[*StoredCheckpoint]) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var err error
	items(func(item *StoredCheckpoint) bool {
		err = enc.Encode(item.Checkpoint)
		return err == nil
	})
	return err
}

func streamCSV(w io.Writer, items iter.Seq[*StoredCheckpoint]) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	var err error
	items(func(item *StoredCheckpoint) bool {
		rec := item.Checkpoint
		span := time.Duration((rec.FinishTS - rec.StartTS) * float64(time.Second))
		err = writer.Write([]string{
			item.ID,
			strconv.FormatInt(item.Seq, 10),
			item.ReceivedAt.UTC().Format(time.RFC3339Nano),
			rec.Location,
			rec.Metadata.Name,
			rec.Metadata.Context,
			strconv.FormatFloat(rec.StartTS, 'f', -1, 64),
			strconv.FormatFloat(rec.FinishTS, 'f', -1, 64),
			strconv.FormatFloat(float64(span)/float64(time.Millisecond), 'f', 3, 64),
			rec.Metadata.Outcome,
			string(rec.Input),
			string(rec.Output),
		})
		return err == nil
	})
	if err != nil {
		return err
	}

	writer.Flush()
	return writer.Error()
}

type yamlCheckpoint struct {
	ID         string            `yaml:"id"`
	Seq        int64             `yaml:"seq"`
	ReceivedAt time.Time         `yaml:"received_at"`
	Location   string            `yaml:"location"`
	StartTS    float64           `yaml:"start_ts"`
	FinishTS   float64           `yaml:"finish_ts"`
	Metadata   map[string]any    `yaml:"metadata"`
	Input      any               `yaml:"input"`
	Output     any               `yaml:"output"`
	Labels     map[string]string `yaml:"labels,omitempty"`
}

// streamYAML writes one YAML document per checkpoint with payloads
// expanded into structured values.
func streamYAML(w io.Writer, items iter.Seq[*StoredCheckpoint]) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	var err error
	items(func(item *StoredCheckpoint) bool {
		var doc yamlCheckpoint
		if doc, err = toYAML(item); err != nil {
			return false
		}
		err = enc.Encode(doc)
		return err == nil
	})
	if err != nil {
		return err
	}
	return enc.Close()
}

func toYAML(item *StoredCheckpoint) (yamlCheckpoint, error) {
	rec := item.Checkpoint
	doc := yamlCheckpoint{
		ID:         item.ID,
		Seq:        item.Seq,
		ReceivedAt: item.ReceivedAt.UTC(),
		Location:   rec.Location,
		StartTS:    rec.StartTS,
		FinishTS:   rec.FinishTS,
		Labels:     rec.Metadata.Labels,
		Metadata: map[string]any{
			"name":        rec.Metadata.Name,
			"input_hint":  rec.Metadata.InputHint,
			"output_hint": rec.Metadata.OutputHint,
		},
	}
	if rec.Metadata.Context != "" {
		doc.Metadata["context"] = rec.Metadata.Context
	}
	if rec.Metadata.Outcome != "" {
		doc.Metadata["outcome"] = rec.Metadata.Outcome
	}
	if err := unmarshalPayload(rec.Input, &doc.Input); err != nil {
		return doc, fmt.Errorf("input of %s: %w", item.ID, err)
	}
	if err := unmarshalPayload(rec.Output, &doc.Output); err != nil {
		return doc, fmt.Errorf("output of %s: %w", item.ID, err)
	}
	return doc, nil
}

func unmarshalPayload(raw json.RawMessage, dst *any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// AllowedFormats normalizes configured export formats. An empty list
// allows every format.
func AllowedFormats(formats []string) []string {
	set := make(map[string]struct{})
	for _, f := range formats {
		f = canonicalFormat(f)
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}
	if len(set) == 0 {
		return append([]string(nil), Formats...)
	}

	result := make([]string, 0, len(set))
	for f := range set {
		result = append(result, f)
	}
	sort.Strings(result)
	return result
}
