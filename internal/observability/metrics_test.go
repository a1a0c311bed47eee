package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.BridgeCalls.WithLabelValues("gs", "ServerInfoRequest", StatusLabel(true)).Inc()
	metrics.LifecycleOps.WithLabelValues("start", StatusLabel(false)).Inc()
	metrics.RunningInstances.Set(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BridgeCalls.WithLabelValues("gs", "ServerInfoRequest", "success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RunningInstances))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDiscardIsIndependent(t *testing.T) {
	first := Discard()
	second := Discard()
	first.PressureFlags.Set(5)
	assert.Equal(t, float64(0), testutil.ToFloat64(second.PressureFlags))
}
