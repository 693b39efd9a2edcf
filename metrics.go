package nprpc

import "github.com/prometheus/client_golang/prometheus"

// Metrics is ambient observability (SPEC_FULL.md §C) — it stays fully
// decoupled from the runtime's control flow: a nil *Metrics is valid
// and every method on it is a no-op, so a caller who never registers a
// prometheus.Registerer pays nothing.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	InFlightCalls  prometheus.Gauge
	CallLatency    prometheus.Histogram
	ActiveStreams  prometheus.Gauge
	ErrorsByKind   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nprpc", Name: "active_sessions", Help: "currently open transport sessions",
		}),
		InFlightCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nprpc", Name: "in_flight_calls", Help: "outbound calls awaiting a reply",
		}),
		CallLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nprpc", Name: "call_latency_seconds", Help: "round-trip latency of outbound calls",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nprpc", Name: "active_streams", Help: "open server-to-client streams",
		}),
		ErrorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nprpc", Name: "errors_total", Help: "errors surfaced to callers, by kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.ActiveSessions, m.InFlightCalls, m.CallLatency, m.ActiveStreams, m.ErrorsByKind)
	return m
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) CallStarted() {
	if m != nil {
		m.InFlightCalls.Inc()
	}
}

func (m *Metrics) CallFinished(seconds float64, kind ErrorKind) {
	if m == nil {
		return
	}
	m.InFlightCalls.Dec()
	m.CallLatency.Observe(seconds)
	if kind != KindSuccess {
		m.ErrorsByKind.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.ActiveStreams.Inc()
	}
}

func (m *Metrics) StreamClosed() {
	if m != nil {
		m.ActiveStreams.Dec()
	}
}
