package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fxwatch"

// Metrics holds every collector the process exports. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	Registry *prometheus.Registry

	Faults        *prometheus.CounterVec
	Ticks         *prometheus.CounterVec
	TickDuration  prometheus.Histogram
	RateFetches   *prometheus.CounterVec
	RuleEvents    *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	Rewards       *prometheus.CounterVec
	Events        *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Non-fatal errors observed, by component and kind.",
		}, []string{"component", "kind"}),
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Rate monitor ticks by outcome (completed, skipped, failed).",
		}, []string{"outcome"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_tick_duration_seconds",
			Help:      "Wall time of a completed rate monitor tick.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		RateFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_fetches_total",
			Help:      "Rate provider calls by pair and outcome.",
		}, []string{"pair", "outcome"}),
		RuleEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_rule_transitions_total",
			Help:      "Alert rule transitions (fired, rearmed, reverted, conflict).",
		}, []string{"transition"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Push notification attempts by transport and outcome.",
		}, []string{"transport", "outcome"}),
		Rewards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_rewards_total",
			Help:      "Referral reward decisions by outcome.",
		}, []string{"outcome"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_events_total",
			Help:      "Transaction events consumed by source and outcome.",
		}, []string{"source", "outcome"}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// FaultCounter returns the counter for faults.Observer, or nil.
func (m *Metrics) FaultCounter() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.Faults
}

// Tick outcomes. Only completed ticks feed the duration histogram.
const (
	TickCompleted = "completed"
	TickSkipped   = "skipped"
	TickFailed    = "failed"
)

func (m *Metrics) Tick(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(outcome).Inc()
	if outcome == TickCompleted {
		m.TickDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) RateFetch(pair, outcome string) {
	if m == nil {
		return
	}
	m.RateFetches.WithLabelValues(pair, outcome).Inc()
}

func (m *Metrics) RuleTransition(transition string) {
	if m == nil {
		return
	}
	m.RuleEvents.WithLabelValues(transition).Inc()
}

func (m *Metrics) Notification(transport, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(transport, outcome).Inc()
}

func (m *Metrics) Reward(outcome string) {
	if m == nil {
		return
	}
	m.Rewards.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Event(source, outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(source, outcome).Inc()
}
