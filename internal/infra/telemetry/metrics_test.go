package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/dyconit/internal/domain/errs"
	"github.com/coachpo/dyconit/internal/dyconit"
)

func newTestMetrics(t *testing.T, cfg Config) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(HistogramViews()...))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	m, err := NewMetrics(provider.Meter("test"), cfg)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecordsSystemActivity(t *testing.T) {
	metrics, reader := newTestMetrics(t, Config{Environment: "test"})
	system := dyconit.New[string, string](nil, nil, dyconit.WithObserver(metrics))

	var delivered []string
	ch := dyconit.ChannelFuncs[string]{SendFunc: func(s string) error {
		delivered = append(delivered, s)
		return nil
	}}
	require.NoError(t, system.Subscribe("alice", ch, dyconit.BoundsZero, "a"))
	require.NoError(t, system.Subscribe("bob", ch, dyconit.BoundsInfinite, "a"))
	system.PublishTo("a", "one")
	system.PublishTo("a", "two")
	system.Synchronize()
	system.Unsubscribe("alice", "a")
	system.Unsubscribe("bob", "a")

	data := collect(t, reader)
	require.Equal(t, int64(1), sumOf(t, data[MetricTopicsCreated]))
	require.Equal(t, int64(1), sumOf(t, data[MetricTopicsRemoved]))
	require.Equal(t, int64(0), sumOf(t, data[MetricTopicsActive]))
	require.Equal(t, int64(4), sumOf(t, data[MetricMessagesQueued]))
	require.Equal(t, int64(4), sumOf(t, data[MetricMessagesSent]))
	require.Equal(t, int64(1), sumOf(t, data[MetricSweeps]))
	require.Len(t, delivered, 4)

	sweep, ok := data[MetricSweepDuration].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, sweep.DataPoints, 1)
	require.Equal(t, uint64(1), sweep.DataPoints[0].Count)
	require.Equal(t, []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250}, sweep.DataPoints[0].Bounds)
}

func TestMetricsForcedFlushAttribute(t *testing.T) {
	metrics, reader := newTestMetrics(t, Config{Environment: "test", TopicAttribute: true})
	metrics.BatchFlushed("cell:0:0", dyconit.FlushReport{Messages: 2, Numerical: 3, Staleness: 5 * time.Millisecond, Forced: true})

	flushes, ok := collect(t, reader)[MetricFlushes].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, flushes.DataPoints, 1)
	attrs := flushes.DataPoints[0].Attributes
	forced, _ := attrs.Value(AttrForced)
	require.True(t, forced.AsBool())
	topic, _ := attrs.Value(AttrTopic)
	require.Equal(t, "cell:0:0", topic.AsString())
}

func TestMetricsDeliveryErrorType(t *testing.T) {
	metrics, reader := newTestMetrics(t, Config{Environment: "test"})
	metrics.DeliveryFailed("a", errs.New("dyconit/send", errs.CodeDelivery, errs.WithCause(errors.New("eof"))))
	metrics.DeliveryFailed("a", errors.New("opaque"))

	failures, ok := collect(t, reader)[MetricDeliveryErrors].(metricdata.Sum[int64])
	require.True(t, ok)
	types := make(map[string]int64)
	for _, dp := range failures.DataPoints {
		v, _ := dp.Attributes.Value(AttrErrorType)
		types[v.AsString()] += dp.Value
	}
	require.Equal(t, map[string]int64{"delivery": 1, "unknown": 1}, types)
}

func TestClassifyBounds(t *testing.T) {
	finite := dyconit.Bounds{Staleness: 100, Numerical: 10}
	require.Equal(t, BoundsTighten, classifyBounds(finite, dyconit.BoundsZero))
	require.Equal(t, BoundsLoosen, classifyBounds(finite, dyconit.BoundsInfinite))
	require.Equal(t, BoundsMixed, classifyBounds(finite, dyconit.Bounds{Staleness: 50, Numerical: dyconit.Unbounded}))
	require.Equal(t, BoundsTighten, classifyBounds(dyconit.BoundsInfinite, finite))
}

func TestMetricsBoundsChangeRecorded(t *testing.T) {
	metrics, reader := newTestMetrics(t, Config{Environment: "test"})
	metrics.BoundsChanged("a", dyconit.BoundsZero, dyconit.BoundsInfinite)

	changes, ok := collect(t, reader)[MetricBoundsChanges].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, changes.DataPoints, 1)
	require.True(t, changes.DataPoints[0].Attributes.HasValue(AttrBoundsChange))
	want := attribute.NewSet(AttrEnvironment.String("test"), AttrBoundsChange.String(BoundsLoosen))
	require.True(t, want.Equals(&changes.DataPoints[0].Attributes))
}
