package sink

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/metrics"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
)

const defaultRelayTimeout = 2 * time.Second

// RelaySink POSTs each record, in relay form, to a collection endpoint.
// Failures are logged and swallowed.
type RelaySink struct {
	url    string
	client *resty.Client
	log    logger.Logger
}

// NewRelay creates a relay sink for url.
func NewRelay(url string, timeout time.Duration, log logger.Logger) *RelaySink {
	if timeout <= 0 {
		timeout = defaultRelayTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &RelaySink{url: url, client: client, log: logger.Named(log, "relay", "url", url)}
}

// URL returns the endpoint records are sent to.
func (r *RelaySink) URL() string {
	return r.url
}

// Save implements Sink. It always returns nil.
func (r *RelaySink) Save(ctx context.Context, rec checkpoint.Record) error {
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(checkpoint.ToRelay(rec)).
		Post(r.url)
	if err != nil {
		metrics.RelayFailures.WithLabelValues("transport").Inc()
		r.log.Error("Error sending checkpoint", "location", rec.Location, "error", err)
		return nil
	}
	if resp.StatusCode() != http.StatusOK {
		metrics.RelayFailures.WithLabelValues("status").Inc()
		r.log.Error("Failed to send checkpoint",
			"location", rec.Location,
			"status", resp.StatusCode(),
			"response", resp.String(),
		)
	}
	return nil
}
