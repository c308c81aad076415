// Package metrics holds the Prometheus instrumentation for the Lighthouse
// process. Created once at startup; helpers keep label wrangling out of the
// call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordination core
type Metrics struct {
	// Event store
	EventsAppended    *prometheus.CounterVec
	AppendDuration    prometheus.Histogram
	HeadSequence      prometheus.Gauge
	IntegrityFailures prometheus.Counter

	// Speed layer
	ValidationTotal    *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	SpeedCacheSize     prometheus.Gauge

	// Expert coordination
	DelegationTotal    *prometheus.CounterVec
	DelegationDuration prometheus.Histogram
	ExpertVotes        *prometheus.CounterVec

	// Sessions
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsRevoked *prometheus.CounterVec

	// Adapters
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	WSConnections      prometheus.Gauge
	SubscribersDropped prometheus.Counter
}

// NewMetrics creates and registers all metrics. A nil registerer uses the
// process-wide default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	auto := promauto.With(reg)

	return &Metrics{
		EventsAppended: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighthouse_events_appended_total",
				Help: "Events durably appended to the log",
			},
			[]string{"event_type"},
		),
		AppendDuration: auto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lighthouse_append_duration_seconds",
				Help:    "Durable append latency including group commit",
				Buckets: prometheus.DefBuckets,
			},
		),
		HeadSequence: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lighthouse_head_sequence",
				Help: "Sequence of the newest durable event",
			},
		),
		IntegrityFailures: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "lighthouse_integrity_failures_total",
				Help: "Integrity chain violations detected",
			},
		),

		ValidationTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighthouse_validations_total",
				Help: "Command validations by deciding tier and verdict",
			},
			[]string{"tier", "verdict"},
		),
		ValidationDuration: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lighthouse_validation_duration_seconds",
				Help:    "Command validation latency by deciding tier",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"tier"},
		),
		SpeedCacheSize: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lighthouse_speed_cache_entries",
				Help: "Entries in the memory verdict cache",
			},
		),

		DelegationTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighthouse_delegations_total",
				Help: "Expert delegations by final verdict",
			},
			[]string{"verdict"},
		),
		DelegationDuration: auto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lighthouse_delegation_duration_seconds",
				Help:    "Delegation latency from dispatch to logged decision",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ExpertVotes: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighthouse_expert_votes_total",
				Help: "Votes collected from experts",
			},
			[]string{"expert_id", "verdict"},
		),

		ActiveSessions: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lighthouse_active_sessions",
				Help: "Sessions currently in the active state",
			},
		),
		SessionsCreated: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "lighthouse_sessions_created_total",
				Help: "Sessions created",
			},
		),
		SessionsRevoked: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighthouse_sessions_revoked_total",
				Help: "Sessions revoked by reason",
			},
			[]string{"reason"},
		),

		HTTPRequests: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighthouse_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lighthouse_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		WSConnections: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lighthouse_ws_connections",
				Help: "Open websocket subscriber connections",
			},
		),
		SubscribersDropped: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "lighthouse_subscribers_dropped_total",
				Help: "Subscribers dropped for lagging behind the buffer",
			},
		),
	}
}

// RecordAppend records one durable append
func (m *Metrics) RecordAppend(eventType string, seconds float64, headSeq uint64) {
	m.EventsAppended.WithLabelValues(eventType).Inc()
	m.AppendDuration.Observe(seconds)
	m.HeadSequence.Set(float64(headSeq))
}

// RecordValidation records a speed-layer decision
func (m *Metrics) RecordValidation(tier, verdict string, seconds float64) {
	m.ValidationTotal.WithLabelValues(tier, verdict).Inc()
	m.ValidationDuration.WithLabelValues(tier).Observe(seconds)
}

// RecordDelegation records a decided delegation
func (m *Metrics) RecordDelegation(verdict string, seconds float64) {
	m.DelegationTotal.WithLabelValues(verdict).Inc()
	m.DelegationDuration.Observe(seconds)
}

// RecordVote records one collected expert vote
func (m *Metrics) RecordVote(expertID, verdict string) {
	m.ExpertVotes.WithLabelValues(expertID, verdict).Inc()
}

// SessionCreated bumps the session counters
func (m *Metrics) SessionCreated() {
	m.SessionsCreated.Inc()
}

// SessionRevoked records a revocation by reason
func (m *Metrics) SessionRevoked(reason string) {
	m.SessionsRevoked.WithLabelValues(reason).Inc()
}

// SetActiveSessions publishes the current active session count
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// SetSpeedCacheSize publishes the memory tier's entry count
func (m *Metrics) SetSpeedCacheSize(n int) {
	m.SpeedCacheSize.Set(float64(n))
}

// RecordHTTP records one served request
func (m *Metrics) RecordHTTP(method, path, status string, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(seconds)
}

// WSConnected tracks a websocket subscriber attaching
func (m *Metrics) WSConnected() {
	m.WSConnections.Inc()
}

// WSDisconnected tracks a websocket subscriber detaching
func (m *Metrics) WSDisconnected() {
	m.WSConnections.Dec()
}

// RecordSubscriberDropped counts a subscriber dropped for lagging
func (m *Metrics) RecordSubscriberDropped() {
	m.SubscribersDropped.Inc()
}

// RecordIntegrityFailure counts a detected chain violation
func (m *Metrics) RecordIntegrityFailure() {
	m.IntegrityFailures.Inc()
}
