package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/glimte/mmq-go/messaging"
)

func newTestCollector(t *testing.T) (*Collector, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	c, err := NewCollector(WithMeterProvider(provider))
	require.NoError(t, err)
	return c, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func counterValue(t *testing.T, data metricdata.Aggregation, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)

	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for _, kv := range want.ToSlice() {
			v, ok := dp.Attributes.Value(kv.Key)
			if !ok || v.Emit() != kv.Value.Emit() {
				match = false
				break
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

func TestCollector(t *testing.T) {
	t.Run("publishes are counted by status", func(t *testing.T) {
		c, reader := newTestCollector(t)

		c.RecordPublish("sayHi", false, 5*time.Millisecond, nil)
		c.RecordPublish("sayHi", false, 5*time.Millisecond, nil)
		c.RecordPublish("sayHi", false, time.Millisecond, &messaging.PublishError{Err: messaging.ErrPublishNacked})

		data := collect(t, reader)
		assert.Equal(t, int64(2), counterValue(t, data[PublishedTotal], attribute.String("status", "ok")))
		assert.Equal(t, int64(1), counterValue(t, data[PublishedTotal], attribute.String("status", "rejected")))

		hist, ok := data[PublishDuration].(metricdata.Histogram[float64])
		require.True(t, ok)
		var count uint64
		for _, dp := range hist.DataPoints {
			count += dp.Count
		}
		assert.Equal(t, uint64(3), count)
	})

	t.Run("settled messages carry the outcome", func(t *testing.T) {
		c, reader := newTestCollector(t)

		c.RecordMessage("calc:events", "sayHi", messaging.OutcomeAcked, time.Millisecond)
		c.RecordMessage("calc:events", "sayHi", messaging.OutcomeNacked, time.Millisecond)
		c.RecordMessage("calc:events", "", messaging.OutcomeDropped, 0)

		data := collect(t, reader)
		assert.Equal(t, int64(1), counterValue(t, data[HandledTotal], attribute.String("outcome", "acked")))
		assert.Equal(t, int64(1), counterValue(t, data[HandledTotal], attribute.String("outcome", "nacked")))
		assert.Equal(t, int64(1), counterValue(t, data[HandledTotal], attribute.String("outcome", "dropped")))
	})

	t.Run("query timeouts are told apart", func(t *testing.T) {
		c, reader := newTestCollector(t)

		c.RecordQuery("query.plusOne", time.Millisecond, nil)
		c.RecordQuery("query.plusOne", time.Second, &messaging.QueryTimeoutError{RoutingKey: "query.plusOne"})
		c.RecordQuery("query.plusOne", time.Millisecond, errors.New("closed"))

		data := collect(t, reader)
		assert.Equal(t, int64(1), counterValue(t, data[QueriesTotal], attribute.String("status", "ok")))
		assert.Equal(t, int64(1), counterValue(t, data[QueriesTotal], attribute.String("status", "timeout")))
		assert.Equal(t, int64(1), counterValue(t, data[QueriesTotal], attribute.String("status", "error")))
	})
}
