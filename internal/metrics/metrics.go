package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every replaytap collector; the serve command exposes it.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		RecordsEmitted, EncodeFailures,
		RelayFailures,
		CollectorPolls, CollectorLines,
		EndpointRecords,
	)
}

// RecordsEmitted checkpoints handed to a sink, per recorder name
var RecordsEmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "replaytap_records_emitted_total",
		Help: "Checkpoints handed to a sink.",
	},
	[]string{"recorder"},
)

// EncodeFailures checkpoints dropped because a payload could not be encoded
var EncodeFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "replaytap_encode_failures_total",
		Help: "Checkpoints dropped on codec errors.",
	},
	[]string{"recorder"},
)

// RelayFailures failed relay deliveries
var RelayFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "replaytap_relay_failures_total",
		Help: "Relay deliveries that failed.",
	},
	[]string{"reason"}, // status | transport | encode
)

// CollectorPolls collector fetch attempts
var CollectorPolls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "replaytap_collector_polls_total",
		Help: "Collector fetch attempts.",
	},
	[]string{"result"}, // ok | error
)

// CollectorLines distinct lines printed by the collector
var CollectorLines = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "replaytap_collector_lines_total",
		Help: "Distinct checkpoint lines printed by the collector.",
	},
)

// EndpointRecords checkpoints accepted by the collection endpoint
var EndpointRecords = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "replaytap_endpoint_records_total",
		Help: "Checkpoints accepted by the collection endpoint.",
	},
)

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
