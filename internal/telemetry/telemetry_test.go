package telemetry_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/weatherglobe/tileengine/internal/telemetry"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetrics_Publish_SetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.New(reg)

	m.Publish(telemetry.QueueStatsView{BytesQueued: 100, BytesCompleted: 40, BytesPerSec: 12.5, ETASeconds: 8})

	require.Equal(t, float64(100), gaugeValue(t, m.BytesQueued))
	require.Equal(t, float64(40), gaugeValue(t, m.BytesCompleted))
	require.Equal(t, 12.5, gaugeValue(t, m.BytesPerSec))
	require.Equal(t, float64(8), gaugeValue(t, m.ETASeconds))
}

func TestMetrics_PublishSlots_PerLayerLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.New(reg)

	m.PublishSlots("wind", 3, 24)
	m.PublishSlots("temp", 10, 24)

	require.Equal(t, float64(3), gaugeValue(t, m.SlotsUsed.WithLabelValues("wind")))
	require.Equal(t, float64(10), gaugeValue(t, m.SlotsUsed.WithLabelValues("temp")))
	require.Equal(t, float64(24), gaugeValue(t, m.SlotsCapacity.WithLabelValues("wind")))
}

func TestMetrics_RecordWorkerCrash_Increments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.New(reg)

	m.RecordWorkerCrash()
	m.RecordWorkerCrash()

	var dm dto.Metric
	require.NoError(t, m.WorkerCrashes.Write(&dm))
	require.Equal(t, float64(2), dm.GetCounter().GetValue())
}
