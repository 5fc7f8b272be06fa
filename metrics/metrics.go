// Package metrics declares the Prometheus collectors the agent exposes
// by label set, grounded on the teacher's client_golang usage
// (grpc-ecosystem/go-grpc-prometheus wires the RPC-level ones; these cover
// the accounting-specific series).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SenderDenied = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tap",
		Name:      "sender_denied",
		Help:      "1 if the sender is currently denied, 0 otherwise.",
	}, []string{"sender"})

	SenderEscrowBalance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tap",
		Name:      "sender_escrow_balance",
		Help:      "Sender's last-observed escrow balance.",
	}, []string{"sender"})

	UnaggregatedFees = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tap",
		Name:      "unaggregated_fees",
		Help:      "Unaggregated fee total for a (sender, allocation) pair.",
	}, []string{"sender", "allocation"})

	SenderFeeTracker = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tap",
		Name:      "sender_fee_tracker",
		Help:      "Sum of unaggregated fees across all allocations for a sender.",
	}, []string{"sender"})

	InvalidReceiptFees = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tap",
		Name:      "invalid_receipt_fees",
		Help:      "Cumulative value of receipts rejected by checks, per (sender, allocation).",
	}, []string{"sender", "allocation"})

	PendingRAV = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tap",
		Name:      "pending_rav",
		Help:      "Value aggregate of the last non-final RAV for a (sender, allocation) pair.",
	}, []string{"sender", "allocation"})

	RAVsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tap",
		Name:      "ravs_created_total",
		Help:      "Count of RAVs successfully stored, per (sender, allocation).",
	}, []string{"sender", "allocation"})

	RAVsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tap",
		Name:      "ravs_failed_total",
		Help:      "Count of RAV requests that failed verification or transport, per (sender, allocation).",
	}, []string{"sender", "allocation"})

	RAVResponseTimeSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tap",
		Name:      "rav_response_time_seconds",
		Help:      "Aggregator RPC latency for RAV requests, per sender.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sender"})

	ClosedSenderAllocationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tap",
		Name:      "closed_sender_allocation_total",
		Help:      "Count of (sender, allocation) pairs that reached final RAV and closed.",
	}, []string{"sender"})

	MaxFeePerSender = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tap",
		Name:      "max_fee_per_sender",
		Help:      "Configured max_amount_willing_to_lose for a sender.",
	}, []string{"sender"})

	RAVRequestTriggerValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tap",
		Name:      "rav_request_trigger_value",
		Help:      "Configured trigger_value for a sender.",
	}, []string{"sender"})
)

// MustRegister registers every collector above against reg. Called once
// from cmd/tap-agent at startup.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		SenderDenied,
		SenderEscrowBalance,
		UnaggregatedFees,
		SenderFeeTracker,
		InvalidReceiptFees,
		PendingRAV,
		RAVsCreatedTotal,
		RAVsFailedTotal,
		RAVResponseTimeSeconds,
		ClosedSenderAllocationTotal,
		MaxFeePerSender,
		RAVRequestTriggerValue,
	)
}
