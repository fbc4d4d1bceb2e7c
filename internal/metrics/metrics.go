package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QuotesComposed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgeq_quotes_composed_total",
		Help: "Total number of quotes composed into fee-adjusted metrics",
	})

	QuotesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgeq_quotes_dropped_total",
			Help: "Total number of quotes dropped during composition",
		},
		[]string{"reason"},
	)

	BatchesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgeq_batches_applied_total",
		Help: "Total number of quote batches applied to the session",
	})

	BatchesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgeq_batches_discarded_total",
			Help: "Total number of late quote batches discarded",
		},
		[]string{"reason"},
	)

	RefreshCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgeq_refresh_cycles_total",
			Help: "Total number of quote refresh cycles by outcome",
		},
		[]string{"outcome"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridgeq_provider_request_duration_seconds",
			Help:    "Collaborator request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ActiveQuoteCost = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridgeq_active_quote_cost",
		Help: "Fiat cost of the active quote (lower is better)",
	})

	ActiveQuoteETA = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridgeq_active_quote_eta_seconds",
		Help: "Estimated processing time of the active quote",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
