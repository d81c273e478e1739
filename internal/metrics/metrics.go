// Package metrics provides Prometheus metrics for the auction engine.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Bid metrics
	BidsTotal   *prometheus.CounterVec
	BidLatency  prometheus.Histogram
	Extensions  prometheus.Counter
	RateLimited *prometheus.CounterVec

	// Session metrics
	Transitions    *prometheus.CounterVec
	Conflicts      prometheus.Counter
	ActiveSessions prometheus.Gauge
	Evictions      prometheus.Counter

	// Fanout metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	Viewers         prometheus.Gauge
}

// NewMetrics creates the collectors without registering them.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "auction"
	}

	return &Metrics{
		BidsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_total",
				Help:      "Bid submissions by outcome",
			},
			[]string{"result"},
		),
		BidLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_duration_seconds",
				Help:      "Time from bid submission to decision",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		Extensions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anti_snipe_extensions_total",
				Help:      "Effective end time extensions caused by late bids",
			},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"action"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session lifecycle transitions by target status",
			},
			[]string{"status"},
		),
		Conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_conflicts_total",
				Help:      "Stale session writes rejected by the store",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_in_memory",
				Help:      "Session state machines currently materialised",
			},
		),
		Evictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_evictions_total",
				Help:      "Idle terminal sessions evicted from memory",
			},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events published to the broadcast channel",
			},
			[]string{"type", "result"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped for slow local subscribers",
			},
		),
		Viewers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "viewers",
				Help:      "Local viewer subscriptions",
			},
		),
	}
}

// Register registers every collector. Collectors already registered are tolerated.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BidsTotal, m.BidLatency, m.Extensions, m.RateLimited,
		m.Transitions, m.Conflicts, m.ActiveSessions, m.Evictions,
		m.EventsPublished, m.EventsDropped, m.Viewers,
	}
}

// Handler exposes the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveBid(result string, started time.Time) {
	if m == nil {
		return
	}
	m.BidsTotal.WithLabelValues(result).Inc()
	m.BidLatency.Observe(time.Since(started).Seconds())
}

func (m *Metrics) IncExtension() {
	if m == nil {
		return
	}
	m.Extensions.Inc()
}

func (m *Metrics) IncRateLimited(action string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(action).Inc()
}

func (m *Metrics) IncTransition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) IncEviction() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

func (m *Metrics) IncPublished(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) AddViewers(delta int) {
	if m == nil {
		return
	}
	m.Viewers.Add(float64(delta))
}
