package realtime

import (
	"context"
	"testing"

	"github.com/lorrc/invoice-tracker/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_ClientInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := NewMetrics(provider)
	require.NoError(t, err)

	conn := newFakeConn()
	client := NewClient(testBaseURL, newFakeDialer(dialOK(conn)), discardLogger(), WithMetrics(metrics))
	t.Cleanup(client.Disconnect)

	delivered := make(chan struct{}, 1)
	client.Subscribe("view", func(domain.Message) error {
		delivered <- struct{}{}
		return nil
	})
	require.NoError(t, client.Connect(context.Background(), testIdentity))

	conn.deliver(`{"broken":`)
	conn.deliver(validFrame)
	<-delivered

	assert.Equal(t, int64(1), collectSum(t, reader, "realtime.dials.total"))
	assert.Equal(t, int64(1), collectSum(t, reader, "realtime.messages.received"))
	assert.Equal(t, int64(1), collectSum(t, reader, "realtime.messages.dropped"))
	assert.Equal(t, int64(1), collectSum(t, reader, "realtime.subscribers.active"))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDial(context.Background(), nil)
		m.RecordFetch(context.Background(), nil)
		m.RecordModeChange(context.Background(), ModePollTracking)
		m.AddSubscribers(context.Background(), 1)
	})
}
