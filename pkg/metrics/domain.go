package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels for secondary writes that may fail after the decisive write.
const (
	OpCreditIssuance = "credit_issuance"
	OpVerifierLog    = "verifier_log"
	OpTradeLedger    = "trade_ledger"
)

// DomainMetrics counts claim, settlement, mint and outbox outcomes.
// A nil *DomainMetrics is valid and records nothing.
type DomainMetrics struct {
	claimsSubmitted    *prometheus.CounterVec
	claimReviews       *prometheus.CounterVec
	secondaryFailures  *prometheus.CounterVec
	purchases          *prometheus.CounterVec
	purchasedUnits     prometheus.Counter
	mintOutcomes       *prometheus.CounterVec
	outboxPublished    *prometheus.CounterVec
	outboxPublishFails *prometheus.CounterVec
}

// NewDomainMetrics registers the domain counters on reg.
func NewDomainMetrics(reg prometheus.Registerer) *DomainMetrics {
	if reg == nil {
		return nil
	}
	m := &DomainMetrics{
		claimsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_submitted_total",
			Help:      "Claims accepted, by vegetation analysis confidence.",
		}, []string{"confidence"}),
		claimReviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_reviews_total",
			Help:      "Claim review decisions.",
		}, []string{"decision"}),
		secondaryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secondary_write_failures_total",
			Help:      "Secondary writes that failed after a committed decisive write.",
		}, []string{"operation"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Purchase attempts by outcome.",
		}, []string{"outcome"}),
		purchasedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchased_units_total",
			Help:      "Credit units transferred through the marketplace.",
		}),
		mintOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mint_outcomes_total",
			Help:      "Mint attempts by outcome.",
		}, []string{"outcome"}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox rows published, by event type.",
		}, []string{"event_type"}),
		outboxPublishFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_failures_total",
			Help:      "Outbox publish failures, by event type.",
		}, []string{"event_type"}),
	}
	reg.MustRegister(
		m.claimsSubmitted,
		m.claimReviews,
		m.secondaryFailures,
		m.purchases,
		m.purchasedUnits,
		m.mintOutcomes,
		m.outboxPublished,
		m.outboxPublishFails,
	)
	return m
}

func (m *DomainMetrics) ClaimSubmitted(confidence string) {
	if m == nil {
		return
	}
	m.claimsSubmitted.WithLabelValues(normalizeLabel(confidence)).Inc()
}

func (m *DomainMetrics) ClaimReviewed(decision string) {
	if m == nil {
		return
	}
	m.claimReviews.WithLabelValues(normalizeLabel(decision)).Inc()
}

func (m *DomainMetrics) SecondaryWriteFailed(operation string) {
	if m == nil {
		return
	}
	m.secondaryFailures.WithLabelValues(normalizeLabel(operation)).Inc()
}

// PurchaseCompleted records a settled purchase of units.
func (m *DomainMetrics) PurchaseCompleted(units int) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues("completed").Inc()
	m.purchasedUnits.Add(float64(units))
}

func (m *DomainMetrics) PurchaseRejected(reason string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *DomainMetrics) MintOutcome(outcome string) {
	if m == nil {
		return
	}
	m.mintOutcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *DomainMetrics) OutboxPublished(eventType string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *DomainMetrics) OutboxPublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.outboxPublishFails.WithLabelValues(normalizeLabel(eventType)).Inc()
}
