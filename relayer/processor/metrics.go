package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusMetrics struct {
	Registry               *prometheus.Registry
	UpdateCounter          *prometheus.CounterVec
	UpdateFailureCounter   *prometheus.CounterVec
	LatestHeightGauge      *prometheus.GaugeVec
	SkippedCommitment      *prometheus.CounterVec
	ReceiptCounter         *prometheus.CounterVec
	VerificationDuration   *prometheus.HistogramVec
	FrozenConsensusCounter *prometheus.CounterVec
}

func (m *PrometheusMetrics) IncUpdates(client, consensusStateID, result string) {
	m.UpdateCounter.WithLabelValues(client, consensusStateID, result).Inc()
}

func (m *PrometheusMetrics) IncUpdateFailure(client, consensusStateID, cause string) {
	m.UpdateFailureCounter.WithLabelValues(client, consensusStateID, cause).Inc()
}

func (m *PrometheusMetrics) SetLatestHeight(stateMachine, consensusStateID string, height uint64) {
	m.LatestHeightGauge.WithLabelValues(stateMachine, consensusStateID).Set(float64(height))
}

func (m *PrometheusMetrics) IncSkippedCommitment(consensusStateID, reason string) {
	m.SkippedCommitment.WithLabelValues(consensusStateID, reason).Inc()
}

func (m *PrometheusMetrics) AddReceipts(kind string, count int) {
	m.ReceiptCounter.WithLabelValues(kind).Add(float64(count))
}

func (m *PrometheusMetrics) ObserveVerification(client string, seconds float64) {
	m.VerificationDuration.WithLabelValues(client).Observe(seconds)
}

func (m *PrometheusMetrics) IncFrozen(client, consensusStateID string) {
	m.FrozenConsensusCounter.WithLabelValues(client, consensusStateID).Inc()
}

func NewPrometheusMetrics() *PrometheusMetrics {
	updateLabels := []string{"client", "consensus_state_id", "result"}
	failureLabels := []string{"client", "consensus_state_id", "cause"}
	heightLabels := []string{"state_machine", "consensus_state_id"}
	skippedLabels := []string{"consensus_state_id", "reason"}
	receiptLabels := []string{"kind"}
	clientLabels := []string{"client"}
	frozenLabels := []string{"client", "consensus_state_id"}
	registry := prometheus.NewRegistry()
	registerer := promauto.With(registry)
	return &PrometheusMetrics{
		Registry: registry,
		UpdateCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "ismp_verifier_consensus_updates_total",
			Help: "The total number of consensus updates handled, by result",
		}, updateLabels),
		UpdateFailureCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "ismp_verifier_consensus_update_errors_total",
			Help: "The total number of rejected consensus updates broken up into error classes",
		}, failureLabels),
		LatestHeightGauge: registerer.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ismp_verifier_state_machine_latest_height",
			Help: "The latest committed height of the state machine",
		}, heightLabels),
		SkippedCommitment: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "ismp_verifier_skipped_commitments_total",
			Help: "The total number of state commitments a verifier produced that were not stored",
		}, skippedLabels),
		ReceiptCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "ismp_verifier_receipts_total",
			Help: "The total number of request and response receipts stored",
		}, receiptLabels),
		VerificationDuration: registerer.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ismp_verifier_verification_seconds",
			Help:    "Time spent verifying a consensus update",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, clientLabels),
		FrozenConsensusCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "ismp_verifier_frozen_consensus_clients_total",
			Help: "The total number of consensus clients frozen by a fraud proof",
		}, frozenLabels),
	}
}
