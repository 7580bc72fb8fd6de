// Package metrics exposes transport counters to Prometheus.
//
// Every method is safe on a nil *Metrics, so components record unconditionally
// and callers that do not want metrics simply pass nil.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "streamrpc"

type Metrics struct {
	packetsIn    prometheus.Counter
	packetsOut   prometheus.Counter
	bytesIn      prometheus.Counter
	bytesOut     prometheus.Counter
	decodeErrors prometheus.Counter
	connections  prometheus.Gauge
	pendingCalls prometheus.Gauge
	requests     *prometheus.CounterVec
}

// New creates the collectors for one role ("server" or "client").
func New(role string) *Metrics {
	labels := prometheus.Labels{"role": role}
	return &Metrics{
		packetsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Packets decoded from the stream.", ConstLabels: labels,
		}),
		packetsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_sent_total",
			Help: "Packets written to the stream.", ConstLabels: labels,
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Bytes read from connections.", ConstLabels: labels,
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Bytes written to connections.", ConstLabels: labels,
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_errors_total",
			Help: "Framed packets that failed to decode.", ConstLabels: labels,
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open connections.", ConstLabels: labels,
		}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_calls",
			Help: "Calls waiting for a response.", ConstLabels: labels,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Requests handled, by method and outcome.", ConstLabels: labels,
		}, []string{"method", "outcome"}),
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	var err error
	for _, c := range []prometheus.Collector{
		m.packetsIn, m.packetsOut, m.bytesIn, m.bytesOut,
		m.decodeErrors, m.connections, m.pendingCalls, m.requests,
	} {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}

func (m *Metrics) PacketIn() {
	if m != nil {
		m.packetsIn.Inc()
	}
}

func (m *Metrics) PacketOut(size int) {
	if m != nil {
		m.packetsOut.Inc()
		m.bytesOut.Add(float64(size))
	}
}

func (m *Metrics) BytesIn(n int) {
	if m != nil {
		m.bytesIn.Add(float64(n))
	}
}

func (m *Metrics) DecodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pendingCalls.Set(float64(n))
	}
}

// Request counts one handled request. outcome is "ok" or "error".
func (m *Metrics) Request(method, outcome string) {
	if m != nil {
		m.requests.WithLabelValues(method, outcome).Inc()
	}
}
