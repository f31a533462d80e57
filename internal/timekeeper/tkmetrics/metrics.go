package tkmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileTotal counts confirm-path requests by product type and terminal outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timekeeper",
		Subsystem: "api",
		Name:      "reconcile_total",
		Help:      "Total purchase confirmations by product type and outcome.",
	}, []string{"product_type", "outcome"})

	// SettlementsTotal counts ledger mutations by source and result.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timekeeper",
		Subsystem: "api",
		Name:      "settlements_total",
		Help:      "Settlements applied to the device ledger by product type, source and result (applied/replayed/failed).",
	}, []string{"product_type", "source", "result"})

	// WebhookRequestsTotal counts provider webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timekeeper",
		Subsystem: "api",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "timekeeper",
		Subsystem: "api",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// CheckoutSessionsTotal counts checkout session creation attempts.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timekeeper",
		Subsystem: "api",
		Name:      "checkout_sessions_total",
		Help:      "Checkout sessions created by product type and outcome.",
	}, []string{"product_type", "outcome"})
)

// Settlement results.
const (
	ResultApplied  = "applied"
	ResultReplayed = "replayed"
	ResultFailed   = "failed"
)

// SettlementResult maps a ledger mutation outcome to a result label.
func SettlementResult(applied bool, err error) string {
	switch {
	case err != nil:
		return ResultFailed
	case applied:
		return ResultApplied
	default:
		return ResultReplayed
	}
}
