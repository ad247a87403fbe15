package sink

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

// MemorySink keeps records in arrival order.
type MemorySink struct {
	mu      sync.Mutex
	records []checkpoint.Record
}

// NewMemory returns an empty MemorySink.
func NewMemory() *MemorySink {
	return &MemorySink{}
}

// Save implements Sink
func (m *MemorySink) Save(_ context.Context, rec checkpoint.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of the stored records.
func (m *MemorySink) Records() []checkpoint.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]checkpoint.Record, len(m.records))
	copy(out, m.records)
	return out
}

// Len returns the number of stored records.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Reset drops every stored record.
func (m *MemorySink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}

// Dump writes the records to w as a session log, one JSON object per line.
func (m *MemorySink) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, rec := range m.Records() {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}
