package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics tracks the trade, arbitration and reconciliation flows.
type SettlementMetrics struct {
	ledgerOps          *prometheus.CounterVec
	disputeOutcomes    *prometheus.CounterVec
	slashes            *prometheus.CounterVec
	reconRepairs       *prometheus.CounterVec
	mirrorApplyFailure *prometheus.CounterVec
	reconDuration      prometheus.Histogram
	publishFailures    prometheus.Counter
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_ledger_operations_total",
				Help: "Ledger operations by name and result.",
			}, []string{"op", "result"}),
			disputeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_dispute_outcomes_total",
				Help: "Resolved disputes by outcome.",
			}, []string{"outcome"}),
			slashes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_slashes_total",
				Help: "Slash lifecycle transitions by state.",
			}, []string{"state"}),
			reconRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_recon_repairs_total",
				Help: "Mirror rows repaired by the reconciliation job, by kind.",
			}, []string{"kind"}),
			mirrorApplyFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_mirror_apply_failures_total",
				Help: "Ledger events that failed to apply to the mirror, by event type.",
			}, []string{"type"}),
			reconDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "settlement_recon_duration_seconds",
				Help:    "Duration of reconciliation runs.",
				Buckets: prometheus.DefBuckets,
			}),
			publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "settlement_event_publish_failures_total",
				Help: "Ledger event batches that could not be published downstream.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.ledgerOps,
			settlementRegistry.disputeOutcomes,
			settlementRegistry.slashes,
			settlementRegistry.reconRepairs,
			settlementRegistry.mirrorApplyFailure,
			settlementRegistry.reconDuration,
			settlementRegistry.publishFailures,
		)
	})
	return settlementRegistry
}

func (m *SettlementMetrics) ObserveLedgerOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerOps.WithLabelValues(op, result).Inc()
}

func (m *SettlementMetrics) ObserveDisputeOutcome(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.disputeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *SettlementMetrics) ObserveSlash(state string) {
	if m == nil {
		return
	}
	m.slashes.WithLabelValues(state).Inc()
}

func (m *SettlementMetrics) ObserveReconRepair(kind string) {
	if m == nil {
		return
	}
	m.reconRepairs.WithLabelValues(kind).Inc()
}

func (m *SettlementMetrics) ObserveMirrorApplyFailure(eventType string) {
	if m == nil {
		return
	}
	m.mirrorApplyFailure.WithLabelValues(eventType).Inc()
}

func (m *SettlementMetrics) ObserveReconDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.reconDuration.Observe(d.Seconds())
}

func (m *SettlementMetrics) ObservePublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}
