// Package observability holds the relay's Prometheus metrics and the local
// ops HTTP server that exposes them.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nwwsoi/internal/eventbus"
)

const namespace = "nwwsoi"

var connStates = []string{"connecting", "connected", "disconnected"}

// Metrics owns a private registry so tests and multiple instances never
// collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	bulletins    *prometheus.CounterVec
	rejects      *prometheus.CounterVec
	errors       *prometheus.CounterVec
	state        *prometheus.GaugeVec
	missing      prometheus.Counter
	delay        prometheus.Histogram
	lastBulletin prometheus.Gauge
	notify       *prometheus.CounterVec
	sink         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		bulletins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulletins_total",
			Help:      "Bulletins received, by data type designator (first two letters of TTAAII).",
		}, []string{"tt"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_messages_total",
			Help:      "Room messages that did not decode as bulletins.",
		}, []string{"reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Connection failures by kind.",
		}, []string{"kind"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		missing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gap_bulletins_total",
			Help:      "Bulletins inferred missing from gaps in per-process sequence numbers.",
		}),
		delay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulletin_latency_seconds",
			Help:      "Time from bulletin issue to receipt.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		}),
		lastBulletin: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_bulletin_timestamp_seconds",
			Help:      "Unix time the last bulletin was received.",
		}),
		notify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "messages_total",
			Help:      "Chat notifications by outcome.",
		}, []string{"result"}),
		sink: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "publishes_total",
			Help:      "Bulletin publishes to external sinks.",
		}, []string{"sink", "result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.bulletins, m.rejects, m.errors, m.state, m.missing,
		m.delay, m.lastBulletin, m.notify, m.sink,
	)
	for _, s := range connStates {
		m.state.WithLabelValues(s).Set(0)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveBulletin(ttaaii string, issue, received time.Time) {
	tt := "??"
	if len(ttaaii) >= 2 {
		tt = ttaaii[:2]
	}
	m.bulletins.WithLabelValues(tt).Inc()
	m.lastBulletin.Set(float64(received.UnixNano()) / 1e9)
	if !issue.IsZero() {
		if d := received.Sub(issue); d >= 0 {
			m.delay.Observe(d.Seconds())
		}
	}
}

func (m *Metrics) IncReject(reason string) { m.rejects.WithLabelValues(reason).Inc() }

func (m *Metrics) IncError(kind string) { m.errors.WithLabelValues(kind).Inc() }

func (m *Metrics) SetState(state string) {
	for _, s := range connStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) AddMissing(n uint64) { m.missing.Add(float64(n)) }

// SinkPublish counts one publish attempt to a named sink.
func (m *Metrics) SinkPublish(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sink.WithLabelValues(sink, result).Inc()
}

// Consume updates metrics from bus signals until ctx is done. Bulletin
// metrics are not taken from the bus; the pump records those directly so a
// full subscriber buffer cannot skew them.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.apply(e)
		}
	}
}

func (m *Metrics) apply(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeState:
		if d, ok := e.Data.(eventbus.StateData); ok {
			m.SetState(d.State)
		}
	case eventbus.TypeError:
		if d, ok := e.Data.(eventbus.ErrorData); ok {
			m.IncError(d.Kind)
		}
	case eventbus.TypeGap:
		if d, ok := e.Data.(eventbus.GapData); ok && d.To >= d.From {
			m.AddMissing(d.To - d.From + 1)
		}
	case eventbus.TypeNotifyQueued:
		m.notify.WithLabelValues("queued").Inc()
	case eventbus.TypeNotifySent:
		m.notify.WithLabelValues("sent").Inc()
	case eventbus.TypeNotifyFailed:
		m.notify.WithLabelValues("failed").Inc()
	case eventbus.TypeNotifyDropped:
		m.notify.WithLabelValues("dropped").Inc()
	case eventbus.TypeNotifyDeduped:
		m.notify.WithLabelValues("deduped").Inc()
	}
}
