// Package metrics exposes hub activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-puertocho/pkg/archive"
	"github.com/teslashibe/go-puertocho/pkg/audio"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
	"github.com/teslashibe/go-puertocho/pkg/reconciler"
)

const namespace = "puertocho"

var states = []reconciler.State{reconciler.Idle, reconciler.Listening, reconciler.Processing, reconciler.Error}

// Metrics holds every collector on its own registry. It implements
// hub.Observer and audio.Observer.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	disconnects       *prometheus.CounterVec
	broadcasts        *prometheus.CounterVec
	inbound           *prometheus.CounterVec

	audioSubmitted prometheus.Counter
	audioRejected  *prometheus.CounterVec
	audioFinished  *prometheus.CounterVec
	audioDuration  prometheus.Histogram

	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec

	archiveRemoved  *prometheus.CounterVec
	archiveFailures prometheus.Counter
}

// New creates the collectors and registers them, plus Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connected dashboard clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total dashboard connections accepted",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Dashboard disconnects by reason",
		}, []string{"reason"}), // closed, slow_consumer, shutdown
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Messages fanned out to clients by type",
		}, []string{"type"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Messages received from clients by type and outcome",
		}, []string{"type", "status"}), // status: accepted, rejected

		audioSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_submitted_total",
			Help:      "Audio items accepted into the queue",
		}),
		audioRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_rejected_total",
			Help:      "Audio submissions rejected by reason",
		}, []string{"reason"}),
		audioFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_processed_total",
			Help:      "Audio items finished by status",
		}, []string{"status"}), // completed, error
		audioDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_processing_seconds",
			Help:      "Time spent processing one audio item",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Assistant state transitions",
		}, []string{"from", "to", "cause"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assistant_state",
			Help:      "1 for the current assistant state, 0 otherwise",
		}, []string{"state"}),

		archiveRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_removed_total",
			Help:      "Verification files removed by retention",
		}, []string{"reason"}), // expired, excess, temp
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_delete_failures_total",
			Help:      "Verification files that could not be removed",
		}),
	}

	m.registry.MustRegister(
		m.connectionsActive, m.connectionsTotal, m.disconnects, m.broadcasts, m.inbound,
		m.audioSubmitted, m.audioRejected, m.audioFinished, m.audioDuration,
		m.transitions, m.state,
		m.archiveRemoved, m.archiveFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.setState(reconciler.Idle)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// GaugeFunc registers a gauge sampled from fn on every scrape.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) ClientConnected() {
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ClientDisconnected(reason string) {
	m.connectionsActive.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) Broadcast(t protocol.MessageType) {
	m.broadcasts.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) Inbound(t protocol.MessageType, ok bool) {
	status := "accepted"
	if !ok {
		status = "rejected"
	}
	if t == "" {
		t = "unknown"
	}
	m.inbound.WithLabelValues(string(t), status).Inc()
}

func (m *Metrics) Submitted() {
	m.audioSubmitted.Inc()
}

func (m *Metrics) Rejected(reason string) {
	m.audioRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Finished(status audio.Status, took time.Duration) {
	m.audioFinished.WithLabelValues(string(status)).Inc()
	m.audioDuration.Observe(took.Seconds())
}

// Transition records a state change. Pass it to reconciler.WithTransitionHook.
func (m *Metrics) Transition(t reconciler.Transition) {
	m.transitions.WithLabelValues(string(t.From), string(t.To), string(t.Cause)).Inc()
	m.setState(t.To)
}

func (m *Metrics) setState(cur reconciler.State) {
	for _, s := range states {
		v := 0.0
		if s == cur {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}

// Sweep records a retention sweep. Pass it to archive.WithSweepHook.
func (m *Metrics) Sweep(r archive.Report) {
	m.archiveRemoved.WithLabelValues("expired").Add(float64(r.ExpiredRemoved))
	m.archiveRemoved.WithLabelValues("excess").Add(float64(r.ExcessRemoved))
	m.archiveRemoved.WithLabelValues("temp").Add(float64(r.TempRemoved))
	m.archiveFailures.Add(float64(len(r.Failed)))
}
