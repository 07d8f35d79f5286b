package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProposalsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_proposals_created_total",
		Help: "Settlement proposals created, by kind.",
	}, []string{"kind"})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_executions_total",
		Help: "Proposal execution attempts, by result.",
	}, []string{"result"})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_signature_verifications_total",
		Help: "Signature verification outcomes.",
	}, []string{"status"})

	Expiries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_proposals_expired_total",
		Help: "Proposals marked expired by the fallback worker.",
	})

	RefundConversions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_refund_conversions_total",
		Help: "Stalled payouts converted to refund proposals.",
	})

	DriftCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_reconciler_drift_corrections_total",
		Help: "Store rows corrected to match ledger ground truth.",
	})

	PoisonedProposals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_poisoned_proposals_total",
		Help: "Matches latched to ERROR after exceeding the attempt cap.",
	})
)
