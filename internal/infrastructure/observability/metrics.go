package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	CreditsMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_credits_total",
			Help: "Credits moved through the ledger by transaction type",
		},
		[]string{"type"},
	)

	LedgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations by name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_events_total",
			Help: "Payment provider webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	PurchasesReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_reconciliations_total",
			Help: "Stale pending purchases reconciled against the payment provider by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(RepositoryCalls, RepositoryDuration, CreditsMoved, LedgerOperations, WebhookEvents, PurchasesReconciled)
}
