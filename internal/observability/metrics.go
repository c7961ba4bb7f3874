package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ticket_collab"

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	eventsApplied   *prometheus.CounterVec
	eventsDiscarded *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	rollbacks       prometheus.Counter
	bulkItems       *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	merges          *prometheus.CounterVec
	pending         prometheus.Gauge
	httpErrors      *prometheus.CounterVec
}

// NewMetrics builds collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Inbound events written into the cache.",
		}, []string{"type"}),
		eventsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_discarded_total",
			Help:      "Inbound events dropped, by reason.",
		}, []string{"reason"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Dispatched single mutations, by outcome.",
		}, []string{"outcome"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_rollbacks_total",
			Help:      "Optimistic changes reverted after a failed mutation.",
		}),
		bulkItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_items_total",
			Help:      "Bulk operation items, by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_refreshes_total",
			Help:      "Debounced full list refreshes, by outcome.",
		}, []string{"outcome"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge confirmations, by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_mutations",
			Help:      "Optimistic mutations awaiting confirmation.",
		}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Facade requests answered with an error, by route and code.",
		}, []string{"route", "method", "code"}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsApplied, m.eventsDiscarded, m.mutations, m.rollbacks,
			m.bulkItems, m.refreshes, m.merges, m.pending, m.httpErrors)
	}
	return m
}

// EventApplied counts an event written into the cache.
func (m *Metrics) EventApplied(eventType string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(eventType).Inc()
}

// EventDiscarded counts a dropped event.
func (m *Metrics) EventDiscarded(reason string) {
	if m == nil {
		return
	}
	m.eventsDiscarded.WithLabelValues(reason).Inc()
}

// Mutation counts a single mutation outcome.
func (m *Metrics) Mutation(outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(outcome).Inc()
}

// Rollback counts a reverted optimistic change.
func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// BulkItem counts one settled bulk item.
func (m *Metrics) BulkItem(outcome string) {
	if m == nil {
		return
	}
	m.bulkItems.WithLabelValues(outcome).Inc()
}

// Refresh counts a list refresh.
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

// Merge counts a merge confirmation outcome.
func (m *Metrics) Merge(outcome string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(outcome).Inc()
}

// SetPending records the number of outstanding optimistic mutations.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// RecordError counts a request that ended in an error response.
func (m *Metrics) RecordError(route, method, code string) {
	if m == nil {
		return
	}
	m.httpErrors.WithLabelValues(route, method, code).Inc()
}
