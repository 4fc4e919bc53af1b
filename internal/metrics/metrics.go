// Package metrics holds the Prometheus collectors shared by the pipeline
// components. Collectors are registered on a dedicated registry so tests can
// create isolated instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry *prometheus.Registry

	MessagesProduced      *prometheus.CounterVec
	MessagesConsumed      *prometheus.CounterVec
	EndorsementsProcessed *prometheus.CounterVec
	LedgerTransactions    *prometheus.CounterVec
	InsurerRequests       *prometheus.CounterVec
	InsurerFailures       *prometheus.CounterVec
	InsurerDuration       *prometheus.HistogramVec
	SchedulerBatches      prometheus.Counter
	LowBalanceEvents      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.MessagesProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ems_bus_messages_produced_total",
		Help: "Messages published to the bus, by topic.",
	}, []string{"topic"})

	m.MessagesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ems_bus_messages_consumed_total",
		Help: "Messages consumed from the bus, by topic and handler.",
	}, []string{"topic", "handler"})

	m.EndorsementsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ems_endorsements_processed_total",
		Help: "Endorsement status transitions, by status and type.",
	}, []string{"status", "type"})

	m.LedgerTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ems_ledger_transactions_total",
		Help: "Ledger transactions inserted, by type and status.",
	}, []string{"type", "status"})

	m.InsurerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ems_insurer_requests_total",
		Help: "Outbound insurer calls, by insurer, protocol and status.",
	}, []string{"insurer_id", "protocol", "status"})

	m.InsurerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ems_insurer_request_failures_total",
		Help: "Failed insurer calls, by insurer, protocol and error type.",
	}, []string{"insurer_id", "protocol", "error_type"})

	m.InsurerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ems_insurer_request_duration_seconds",
		Help:    "Outbound insurer call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"insurer_id", "protocol"})

	m.SchedulerBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ems_scheduler_batches_total",
		Help: "Tumbling-window batches flushed by the sweeper.",
	})

	m.LowBalanceEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ems_ledger_low_balance_total",
		Help: "Debits that dropped a balance below the employer threshold.",
	})

	m.Registry.MustRegister(
		m.MessagesProduced,
		m.MessagesConsumed,
		m.EndorsementsProcessed,
		m.LedgerTransactions,
		m.InsurerRequests,
		m.InsurerFailures,
		m.InsurerDuration,
		m.SchedulerBatches,
		m.LowBalanceEvents,
	)

	return m
}
