package regtest

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "regtest"

// Call outcomes used as the "result" label.
const (
	resultOK        = "ok"
	resultNodeError = "node_error"
	resultTransport = "transport_error"
)

// Metrics counts RPC calls per method and outcome and records their latency.
type Metrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics creates the RPC collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls sent to the node, by method and result.",
		}, []string{"method", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC round-trip latency, by method.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"method"}),
	}
	reg.MustRegister(m.calls, m.latency)
	return m
}

// Calls returns the counter of calls for method with the given result label.
func (m *Metrics) Calls(method, result string) prometheus.Counter {
	return m.calls.WithLabelValues(method, result)
}

func (m *Metrics) observe(method string, err error, elapsed time.Duration) {
	result := resultOK
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) {
			result = resultNodeError
		} else {
			result = resultTransport
		}
	}
	m.calls.WithLabelValues(method, result).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}
