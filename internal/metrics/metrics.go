package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the simulator. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	CommandDuration *prometheus.HistogramVec
	CommandErrors   *prometheus.CounterVec

	Transitions    *prometheus.CounterVec
	Scheduled      *prometheus.CounterVec
	Delivered      *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
	PendingBacklog *prometheus.GaugeVec

	RelayDeliveries *prometheus.CounterVec
	RelayLatency    *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planline_command_duration_seconds",
				Help:    "Duration of plan commands in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"command"},
		),
		CommandErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planline_command_errors_total",
				Help: "Plan commands that failed, by error code",
			},
			[]string{"command", "code"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planline_milestone_transitions_total",
				Help: "Milestone state transitions",
			},
			[]string{"from", "to"},
		),
		Scheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planline_communications_scheduled_total",
				Help: "Communications scheduled, by rule",
			},
			[]string{"rule"},
		),
		Delivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planline_communications_delivered_total",
				Help: "Communications delivered, by kind",
			},
			[]string{"kind"},
		),
		Dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planline_communications_dropped_total",
				Help: "Pending communications dropped because their milestone is gone",
			},
			[]string{"rule"},
		),
		PendingBacklog: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "planline_pending_communications",
				Help: "Pending communications per plan after the last command",
			},
			[]string{"plan"},
		),
		RelayDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planline_relay_deliveries_total",
				Help: "Events pushed to relay sinks",
			},
			[]string{"sink", "status"},
		),
		RelayLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planline_relay_latency_seconds",
				Help:    "Relay sink delivery latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"sink"},
		),
		gatherer: reg,
	}
}

// NewRegistry returns a fresh registry carrying the Go runtime collectors and
// the simulator metrics.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg, New(reg)
}

// Handler serves the registry the metrics were created on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCommand(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) CommandFailed(command, code string) {
	if m == nil {
		return
	}
	m.CommandErrors.WithLabelValues(command, code).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) CommScheduled(rule string) {
	if m == nil {
		return
	}
	m.Scheduled.WithLabelValues(rule).Inc()
}

// CommDelivered counts one delivery. kind is "plan" or "milestone".
func (m *Metrics) CommDelivered(kind string) {
	if m == nil {
		return
	}
	m.Delivered.WithLabelValues(kind).Inc()
}

func (m *Metrics) CommDropped(rule string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(rule).Inc()
}

func (m *Metrics) SetPending(planID string, n int) {
	if m == nil {
		return
	}
	m.PendingBacklog.WithLabelValues(planID).Set(float64(n))
}

func (m *Metrics) RelayDelivery(sink, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RelayDeliveries.WithLabelValues(sink, status).Inc()
	m.RelayLatency.WithLabelValues(sink).Observe(d.Seconds())
}
