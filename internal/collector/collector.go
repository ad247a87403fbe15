// Package collector polls a collection endpoint and prints every distinct
// checkpoint once, as a session log line.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/gowebpki/jcs"

	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/metrics"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

const defaultInterval = time.Second

// Source returns the records currently pending at an endpoint.
type Source interface {
	Fetch(ctx context.Context) ([]checkpoint.Record, error)
}

// Fetcher reads relay-form records from a collection endpoint.
type Fetcher struct {
	url    string
	client *resty.Client
}

// NewFetcher creates a fetcher for url.
func NewFetcher(url string, timeout time.Duration) *Fetcher {
	client := resty.New().SetHeader("Accept", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &Fetcher{url: url, client: client}
}

// Fetch implements Source
func (f *Fetcher) Fetch(ctx context.Context) ([]checkpoint.Record, error) {
	resp, err := f.client.R().SetContext(ctx).Get(f.url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", f.url, resp.Status())
	}

	var relayed []checkpoint.RelayRecord
	if err := json.Unmarshal(resp.Body(), &relayed); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.url, err)
	}
	records := make([]checkpoint.Record, 0, len(relayed))
	for _, rr := range relayed {
		rec, err := checkpoint.FromRelay(rr)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Collector remembers every line it has produced.
type Collector struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New returns an empty collector.
func New() *Collector {
	return &Collector{seen: make(map[string]struct{})}
}

// Add returns the session log line for rec and whether it is new. Lines
// are canonical JSON, so equal records always produce the same line.
func (c *Collector) Add(rec checkpoint.Record) (string, bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", false, err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", false, err
	}
	line := string(canonical)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[line]; ok {
		return line, false, nil
	}
	c.seen[line] = struct{}{}
	return line, true, nil
}

// Count returns the number of distinct lines seen.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Poller drives a Collector from a Source on a fixed interval.
type Poller struct {
	source    Source
	collector *Collector
	interval  time.Duration
	out       io.Writer
	errOut    io.Writer
	log       logger.Logger
	warn      *color.Color
}

// NewPoller creates a poller printing lines to out and progress to errOut.
func NewPoller(source Source, interval time.Duration, out, errOut io.Writer, log logger.Logger) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Poller{
		source:    source,
		collector: New(),
		interval:  interval,
		out:       out,
		errOut:    errOut,
		log:       logger.Named(log, "collector"),
		warn:      color.New(color.FgYellow, color.Bold),
	}
}

// Collector returns the poller's collector.
func (p *Poller) Collector() *Collector {
	return p.collector
}

// Run polls until ctx is cancelled. Fetch failures are reported and
// polling continues. Cancellation is not an error.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			p.log.Debug("Collector stopped", "collected", p.collector.Count())
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches once and prints the new lines. It returns how many were new.
func (p *Poller) Poll(ctx context.Context) int {
	records, err := p.source.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		metrics.CollectorPolls.WithLabelValues("error").Inc()
		fmt.Fprintf(p.errOut, "%s %v\n", p.warn.Sprint("WARNING:"), err)
		return 0
	}
	metrics.CollectorPolls.WithLabelValues("ok").Inc()

	fresh := 0
	for _, rec := range records {
		line, isNew, err := p.collector.Add(rec)
		if err != nil {
			fmt.Fprintf(p.errOut, "%s %v\n", p.warn.Sprint("WARNING:"), err)
			continue
		}
		if !isNew {
			continue
		}
		fresh++
		metrics.CollectorLines.Inc()
		fmt.Fprintln(p.out, line)
		fmt.Fprintf(p.errOut, "collected %d\n", p.collector.Count())
	}
	return fresh
}
