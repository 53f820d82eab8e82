package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_DisabledByDefault(t *testing.T) {
	t.Setenv("WTREG_OTEL_STDOUT", "")
	assert.False(t, Enabled())
	require.NoError(t, Init(context.Background()))
	Shutdown(context.Background())

	// recording against the no-op provider must not panic
	Get().PortsAllocated.Add(context.Background(), 1, With("service", "web"))
}

// TestInstruments_Record verifies counters reach an SDK reader with their
// attributes.
func TestInstruments_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	in := newInstruments(mp.Meter("test"))

	ctx := context.Background()
	in.StaleFound.Add(ctx, 2, With("reason", "idle"))
	in.RegistryWrites.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	got := map[string]int64{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		for _, dp := range sum.DataPoints {
			got[m.Name] += dp.Value
		}
	}
	assert.Equal(t, int64(2), got["wtreg.stale.found"])
	assert.Equal(t, int64(1), got["wtreg.registry.writes"])
}
