package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestEngineMetricsRecordOnSDKMeter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewEngineMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.CommitsCounter.Add(ctx, 2)
	m.BusyCounter.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		names[md.Name] = true
	}
	assert.True(t, names["gojolite.txn.commits_total"])
	assert.True(t, names["gojolite.txn.busy_total"])
}

func TestNoopEngineMetrics(t *testing.T) {
	m := NoopEngineMetrics()
	require.NotNil(t, m)
	m.CommitsCounter.Add(context.Background(), 1)
}
