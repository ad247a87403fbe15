package printer

import (
	"encoding/json"
	"io"
	"os"

	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

// JSONPrinter writes one JSON envelope per checkpoint
type JSONPrinter struct {
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
}

// NewJSONPrinter creates a JSON printer on stdout
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: logger.OrNop(log)}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the output target
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.out = w
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.encoder = encoder
}

type jsonCheckpointEnvelope struct {
	Type       string            `json:"type"`
	Number     uint64            `json:"number"`
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	DurationMS float64           `json:"duration_ms"`
	Checkpoint checkpoint.Record `json:"checkpoint"`
}

// PrintCheckpoint writes the checkpoint envelope
func (p *JSONPrinter) PrintCheckpoint(stored *storage.StoredCheckpoint) error {
	rec := stored.Checkpoint
	span := checkpoint.TimeRange{Start: rec.StartTS, Finish: rec.FinishTS}
	env := jsonCheckpointEnvelope{
		Type:       "checkpoint",
		Number:     nextCheckpointNumber(),
		ID:         stored.ID,
		Seq:        stored.Seq,
		DurationMS: float64(span.Duration().Microseconds()) / 1000,
		Checkpoint: rec,
	}
	if err := p.encoder.Encode(env); err != nil {
		p.logger.Error("Failed to encode checkpoint JSON", "error", err, "id", stored.ID)
		return err
	}
	return nil
}
