// Package session loads recorded checkpoints and queries them.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/location"
)

const maxLineBytes = 64 * 1024 * 1024

// Session is an ordered, read-only list of decoded checkpoints. Order is
// the order of the source log.
type Session struct {
	entries []checkpoint.Entry
}

// LineError reports a malformed line of a session log.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("session line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

type options struct {
	mainPkg  string
	validate bool
}

// Option configures loading.
type Option func(*options)

// WithMain rewrites call sites declared in package main as if declared in
// pkg, so that a recording made by one binary replays against another.
func WithMain(pkg string) Option {
	return func(o *options) {
		o.mainPkg = pkg
	}
}

// WithSchemaValidation checks every line against the checkpoint record
// schema before decoding it.
func WithSchemaValidation() Option {
	return func(o *options) {
		o.validate = true
	}
}

// New builds a session from already decoded entries.
func New(entries []checkpoint.Entry) *Session {
	return &Session{entries: slices.Clone(entries)}
}

// Load reads a newline-delimited session log. Any malformed line aborts
// the load.
func Load(r io.Reader, opts ...Option) (*Session, error) {
	o := buildOptions(opts)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var entries []checkpoint.Entry
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if o.validate {
			if err := validateRecord(b); err != nil {
				return nil, &LineError{Line: line, Err: err}
			}
		}
		var rec checkpoint.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, &LineError{Line: line, Err: err}
		}
		entry, err := decodeRecord(rec, o)
		if err != nil {
			return nil, &LineError{Line: line, Err: err}
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	return &Session{entries: entries}, nil
}

// LoadFile loads the session log at path.
func LoadFile(path string, opts ...Option) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, opts...)
}

// FromStore loads every checkpoint of store in arrival order.
func FromStore(store storage.Store, opts ...Option) (*Session, error) {
	o := buildOptions(opts)
	var entries []checkpoint.Entry
	var decodeErr error
	err := store.Iterate(storage.ListOptions{}, func(item *storage.StoredCheckpoint) bool {
		entry, err := decodeRecord(item.Checkpoint, o)
		if err != nil {
			decodeErr = fmt.Errorf("checkpoint %d: %w", item.Seq, err)
			return false
		}
		entries = append(entries, entry)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return &Session{entries: entries}, nil
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func decodeRecord(rec checkpoint.Record, o options) (checkpoint.Entry, error) {
	if rec.Location == "" {
		return checkpoint.Entry{}, fmt.Errorf("record has no location")
	}
	entry, err := rec.Decode()
	if err != nil {
		return checkpoint.Entry{}, err
	}
	if o.mainPkg != "" {
		name, site := checkpoint.Split(entry.Location)
		entry.Location = checkpoint.Join(name, location.ForMain(site, o.mainPkg))
	}
	return entry, nil
}

// Entries returns a copy of every entry in session order.
func (s *Session) Entries() []checkpoint.Entry {
	return slices.Clone(s.entries)
}

// Len returns the number of entries.
func (s *Session) Len() int {
	return len(s.entries)
}

// Filter returns the entries accepted by pred, in session order. A nil
// pred accepts everything.
func (s *Session) Filter(pred Predicate) []checkpoint.Entry {
	var out []checkpoint.Entry
	for _, e := range s.entries {
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Sorted returns the entries ordered by start time. Ties keep session order.
func (s *Session) Sorted() []checkpoint.Entry {
	out := slices.Clone(s.entries)
	SortByStart(out)
	return out
}

// Sites returns the distinct call-site ids in order of first appearance.
func (s *Session) Sites() []string {
	seen := make(map[string]bool)
	var sites []string
	for _, e := range s.entries {
		if site := e.SiteID(); !seen[site] {
			seen[site] = true
			sites = append(sites, site)
		}
	}
	return sites
}

// SortByStart stably orders entries by start time.
func SortByStart(entries []checkpoint.Entry) {
	slices.SortStableFunc(entries, func(a, b checkpoint.Entry) int {
		switch {
		case a.StartTS < b.StartTS:
			return -1
		case a.StartTS > b.StartTS:
			return 1
		}
		return 0
	})
}
