package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payspool_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome", "workspace_id"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payspool_delivery_latency_seconds",
			Help:    "Outbound delivery latency by HTTP status class.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status_class"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payspool_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, http_4xx
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payspool_dead_letters_total",
			Help: "Total number of jobs dead-lettered after exhausting attempts.",
		},
	)

	BreakerOpensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payspool_breaker_opens_total",
			Help: "Total number of circuit breaker open transitions.",
		},
	)

	ReplaysRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payspool_replays_rejected_total",
			Help: "Total number of signed exchanges rejected as nonce replays.",
		},
	)

	ReconDiscrepanciesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payspool_recon_discrepancies_total",
			Help: "Total reconciliation discrepancies by kind.",
		},
		[]string{"kind"},
	)

	SpoolBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payspool_spool_backlog",
			Help: "Number of spool entries due for processing.",
		},
	)
)

// MustRegister registers all payspool collectors on the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		DeadLettersTotal,
		BreakerOpensTotal,
		ReplaysRejectedTotal,
		ReconDiscrepanciesTotal,
		SpoolBacklog,
	)
}

// RecordDelivery records one delivery attempt outcome.
func RecordDelivery(outcome, workspaceID string, statusCode int, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome, workspaceID).Inc()
	if statusCode > 0 {
		class := strconv.Itoa(statusCode/100) + "xx"
		DeliveryLatency.WithLabelValues(class).Observe(latency.Seconds())
	}
}

// RecordRetry records a scheduled retry with its failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDeadLetter records a job moving to its terminal failed state.
func RecordDeadLetter() {
	DeadLettersTotal.Inc()
}

// RecordBreakerOpen records a breaker transitioning to open.
func RecordBreakerOpen() {
	BreakerOpensTotal.Inc()
}

// RecordReplayRejected records a rejected nonce replay.
func RecordReplayRejected() {
	ReplaysRejectedTotal.Inc()
}

// RecordDiscrepancy records reconciliation discrepancies of one kind.
func RecordDiscrepancy(kind string, n int) {
	if n > 0 {
		ReconDiscrepanciesTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// UpdateSpoolBacklog sets the current due-entry backlog gauge.
func UpdateSpoolBacklog(depth float64) {
	SpoolBacklog.Set(depth)
}
