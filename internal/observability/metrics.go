// Package observability holds the Prometheus metrics of the control plane.
//
// Metrics are registered against the registry passed to NewMetrics, so
// tests can use a private registry while main uses the default one that
// promhttp serves on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "arena"

type Metrics struct {
	// BridgeCalls counts bridged calls. Labels: target (gs, realm), method, status.
	BridgeCalls *prometheus.CounterVec

	// LifecycleOps counts supervisor operations. Labels: op, status.
	LifecycleOps *prometheus.CounterVec

	// RealmForwards counts ModRequest forwards. Labels: outcome.
	RealmForwards *prometheus.CounterVec

	// Settlements counts saveRoundRequest outcomes. Labels: outcome
	// (settled, duplicate, invalid, orphan, error), recovered (true, false).
	Settlements *prometheus.CounterVec

	RunningInstances prometheus.Gauge
	AvailableMemory  prometheus.Gauge
	PressureFlags    prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		BridgeCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Bridged calls by target, method and status.",
		}, []string{"target", "method", "status"}),
		LifecycleOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "supervisor",
			Name:      "operations_total",
			Help:      "Supervisor lifecycle operations by op and status.",
		}, []string{"op", "status"}),
		RealmForwards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realm",
			Name:      "forwards_total",
			Help:      "Audit records forwarded to realm by outcome.",
		}, []string{"outcome"}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "settlement",
			Name:      "rounds_total",
			Help:      "Round settlements by outcome.",
		}, []string{"outcome", "recovered"}),
		RunningInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "supervisor",
			Name:      "running_instances",
			Help:      "Game server instances currently running.",
		}),
		AvailableMemory: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "watchdog",
			Name:      "available_memory_bytes",
			Help:      "Last sampled available host memory.",
		}),
		PressureFlags: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "watchdog",
			Name:      "pressure_flags",
			Help:      "Length of the memory pressure log.",
		}),
	}
}

// Discard returns metrics registered against a throwaway registry.
func Discard() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func StatusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
