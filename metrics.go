package tempest

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors exercised by the
// connection and server implementations (SPEC_FULL.md's domain-stack
// wiring for prometheus/client_golang). A nil *Metrics is valid and
// every method becomes a no-op, so constructors can be called without
// requiring a registry.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	FramesDecoded       prometheus.Counter
	FramesDropped       prometheus.Counter
	FramesMalformed     prometheus.Counter
	PendingAckDepth     prometheus.Gauge
	DispatchLatency     prometheus.Histogram
}

// NewMetrics constructs and registers the collectors on reg. Pass
// prometheus.NewRegistry() (or prometheus.DefaultRegisterer) for reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tempest",
			Name:      "connections_active",
			Help:      "Number of connections currently in the Connected state.",
		}),
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tempest",
			Name:      "frames_decoded_total",
			Help:      "Frames successfully decoded and dispatched.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tempest",
			Name:      "frames_dropped_total",
			Help:      "Frames consumed but dropped due to unknown protocol or message type.",
		}),
		FramesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tempest",
			Name:      "frames_malformed_total",
			Help:      "Frames that triggered a disconnect due to a decode error.",
		}),
		PendingAckDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tempest",
			Name:      "udp_pending_ack_depth",
			Help:      "Number of UDP reliable messages currently awaiting acknowledgement.",
		}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tempest",
			Name:      "dispatch_latency_seconds",
			Help:      "Time from the start of dispatching a received application frame until its handler returns.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectionsActive, m.FramesDecoded, m.FramesDropped, m.FramesMalformed, m.PendingAckDepth, m.DispatchLatency)
	}
	return m
}

func (m *Metrics) incConnections() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) decConnections() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) incDecoded() {
	if m != nil {
		m.FramesDecoded.Inc()
	}
}

func (m *Metrics) incDropped() {
	if m != nil {
		m.FramesDropped.Inc()
	}
}

func (m *Metrics) incMalformed() {
	if m != nil {
		m.FramesMalformed.Inc()
	}
}

func (m *Metrics) setPendingAckDepth(n int) {
	if m != nil {
		m.PendingAckDepth.Set(float64(n))
	}
}

func (m *Metrics) observeDispatchLatency(seconds float64) {
	if m != nil {
		m.DispatchLatency.Observe(seconds)
	}
}

// ServeMetrics starts an HTTP listener on addr exposing gatherer at
// /metrics via promhttp, matching Options.MetricsAddr's contract. The
// listener binds before returning so a caller can rely on it being
// reachable immediately; serving itself continues in a background
// goroutine until the returned server is closed.
func ServeMetrics(addr string, gatherer prometheus.Gatherer) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	return srv, nil
}
