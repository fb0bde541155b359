// Package metrics exposes process-wide gauges fed by the telemetry
// pipeline, using the standard client_golang registerer/gatherer idiom
// for operator-facing observability.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of gauges the telemetry pipeline updates on every
// tick, whether or not that tick emits a snapshot.
type Metrics struct {
	TotalPeers       prometheus.Gauge
	ConnectedPeers   prometheus.Gauge
	ActiveSubscribers prometheus.Gauge
	RxBytesTotal     prometheus.Gauge
	TxBytesTotal     prometheus.Gauge
	ReconcileErrors  prometheus.Counter
	ReconcileTotal   prometheus.Counter
}

// New registers and returns the gauge set against the given registerer.
// Passing prometheus.DefaultRegisterer matches the package-level
// http.Handler the server wires at /metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TotalPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wgctl", Name: "peers_total", Help: "Total configured peers.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wgctl", Name: "peers_connected", Help: "Peers with a fresh handshake.",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wgctl", Name: "telemetry_subscribers", Help: "Connected live status subscribers.",
		}),
		RxBytesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wgctl", Name: "rx_bytes_total", Help: "Sum of transfer_rx across all peers.",
		}),
		TxBytesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wgctl", Name: "tx_bytes_total", Help: "Sum of transfer_tx across all peers.",
		}),
		ReconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wgctl", Name: "reconcile_errors_total", Help: "Firewall reconciliation failures.",
		}),
		ReconcileTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wgctl", Name: "reconcile_attempts_total", Help: "Firewall reconciliation attempts.",
		}),
	}

	reg.MustRegister(m.TotalPeers, m.ConnectedPeers, m.ActiveSubscribers,
		m.RxBytesTotal, m.TxBytesTotal, m.ReconcileErrors, m.ReconcileTotal)
	return m
}

// Observe updates the gauges from one telemetry snapshot.
func (m *Metrics) Observe(totalPeers, connectedPeers, subscribers int, rxTotal, txTotal int64) {
	m.TotalPeers.Set(float64(totalPeers))
	m.ConnectedPeers.Set(float64(connectedPeers))
	m.ActiveSubscribers.Set(float64(subscribers))
	m.RxBytesTotal.Set(float64(rxTotal))
	m.TxBytesTotal.Set(float64(txTotal))
}

// RecordReconcile records the outcome of one reconcile attempt.
func (m *Metrics) RecordReconcile(err error) {
	m.ReconcileTotal.Inc()
	if err != nil {
		m.ReconcileErrors.Inc()
	}
}
