// Package metrics holds the Prometheus metrics reported by the module.
//
// All methods are safe to call on a nil *Metrics, which reports nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cdpcore"

// Outcomes of a wait.
const (
	OutcomeSuccess  = "success"
	OutcomeTimeout  = "timeout"
	OutcomeDetached = "detached"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Metrics are the custom metrics used by the module.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	Commands        *prometheus.CounterVec
	CommandErrors   *prometheus.CounterVec
	CommandDuration prometheus.Histogram
	Events          prometheus.Counter
	FramesAttached  prometheus.Counter
	FramesDetached  prometheus.Counter
	FramesAdopted   prometheus.Counter
	Waits           *prometheus.CounterVec
	WaitDuration    *prometheus.HistogramVec
}

// New creates the metrics without registering them.
func New() *Metrics {
	return &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of attached protocol sessions, excluding the root session.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Protocol commands sent, by method.",
		}, []string{"method"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Protocol commands that failed, by method.",
		}, []string{"method"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Round trip time of protocol commands.",
			Buckets:   prometheus.DefBuckets,
		}),
		Events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Protocol events dispatched to sessions.",
		}),
		FramesAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_attached_total",
			Help:      "Frames attached to frame trees.",
		}),
		FramesDetached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_detached_total",
			Help:      "Frames detached from frame trees.",
		}),
		FramesAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_adopted_total",
			Help:      "Frames whose owning session changed.",
		}),
		Waits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waits_total",
			Help:      "Finished waits, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		WaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_duration_seconds",
			Help:      "Time spent in waits, by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"kind"}),
	}
}

// RegisterCustomMetrics creates our custom metrics, registers them with
// registry and returns them.
func RegisterCustomMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := New()
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SessionsActive, m.Commands, m.CommandErrors, m.CommandDuration, m.Events,
		m.FramesAttached, m.FramesDetached, m.FramesAdopted, m.Waits, m.WaitDuration,
	}
}

func (m *Metrics) SessionAttached() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionDetached() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// CommandSent records a finished command round trip.
func (m *Metrics) CommandSent(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(method).Inc()
	m.CommandDuration.Observe(d.Seconds())
	if err != nil {
		m.CommandErrors.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) EventDispatched() {
	if m == nil {
		return
	}
	m.Events.Inc()
}

func (m *Metrics) FrameAttached() {
	if m == nil {
		return
	}
	m.FramesAttached.Inc()
}

func (m *Metrics) FrameDetached() {
	if m == nil {
		return
	}
	m.FramesDetached.Inc()
}

func (m *Metrics) FrameAdopted() {
	if m == nil {
		return
	}
	m.FramesAdopted.Inc()
}

// WaitFinished records a finished wait of the given kind.
func (m *Metrics) WaitFinished(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Waits.WithLabelValues(kind, outcome).Inc()
	m.WaitDuration.WithLabelValues(kind).Observe(d.Seconds())
}
