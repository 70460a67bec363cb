package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/dyconit/internal/domain/errs"
	"github.com/coachpo/dyconit/internal/dyconit"
)

// Instrument names.
const (
	MetricTopicsCreated     = "dyconit.topics.created"
	MetricTopicsRemoved     = "dyconit.topics.removed"
	MetricTopicsActive      = "dyconit.topics.active"
	MetricMessagesQueued    = "dyconit.messages.queued"
	MetricMessagesSent      = "dyconit.messages.sent"
	MetricNumericalQueued   = "dyconit.numerical.queued"
	MetricNumericalSent     = "dyconit.numerical.sent"
	MetricFlushes           = "dyconit.flushes"
	MetricBatchSize         = "dyconit.batch.size"
	MetricFlushStaleness    = "dyconit.flush.staleness"
	MetricBoundsChanges     = "dyconit.bounds.changes"
	MetricDeliveryErrors    = "dyconit.delivery.errors"
	MetricSweepDuration     = "dyconit.sweep.duration"
	MetricSweepNumerical    = "dyconit.sweep.numerical"
	MetricSweeps            = "dyconit.sweeps"
	metricsInstrumentScope  = "github.com/coachpo/dyconit/internal/dyconit"
	metricsUnitMilliseconds = "ms"
)

// Metrics records the dyconit system's counters on OpenTelemetry instruments.
// It implements dyconit.Observer.
type Metrics struct {
	environment  string
	includeTopic bool
	base         metric.MeasurementOption

	topicsCreated   metric.Int64Counter
	topicsRemoved   metric.Int64Counter
	topicsActive    metric.Int64UpDownCounter
	messagesQueued  metric.Int64Counter
	messagesSent    metric.Int64Counter
	numericalQueued metric.Int64Counter
	numericalSent   metric.Int64Counter
	flushes         metric.Int64Counter
	batchSize       metric.Int64Histogram
	flushStaleness  metric.Float64Histogram
	boundsChanges   metric.Int64Counter
	deliveryErrors  metric.Int64Counter
	sweepDuration   metric.Float64Histogram
	sweepNumerical  metric.Int64Histogram
	sweeps          metric.Int64Counter
}

var _ dyconit.Observer = (*Metrics)(nil)

// NewMetrics creates the instruments on meter. A nil meter uses the provider's
// global meter.
func NewMetrics(meter metric.Meter, cfg Config) (*Metrics, error) {
	if meter == nil {
		meter = (&Provider{config: cfg}).Meter(metricsInstrumentScope)
	}
	m := &Metrics{
		environment:  cfg.Environment,
		includeTopic: cfg.TopicAttribute,
		base:         metric.WithAttributes(AttrEnvironment.String(cfg.Environment)),
	}

	var err error
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	m.topicsCreated = counter(MetricTopicsCreated, "Topics created", "{topic}")
	m.topicsRemoved = counter(MetricTopicsRemoved, "Topics removed", "{topic}")
	m.messagesQueued = counter(MetricMessagesQueued, "Messages queued on subscriptions", "{message}")
	m.messagesSent = counter(MetricMessagesSent, "Messages handed to subscriber channels", "{message}")
	m.numericalQueued = counter(MetricNumericalQueued, "Numerical weight queued on subscriptions", "1")
	m.numericalSent = counter(MetricNumericalSent, "Numerical weight flushed to subscribers", "1")
	m.flushes = counter(MetricFlushes, "Subscription flushes", "{flush}")
	m.boundsChanges = counter(MetricBoundsChanges, "Subscription bounds transitions", "{change}")
	m.deliveryErrors = counter(MetricDeliveryErrors, "Channel send or flush failures", "{error}")
	m.sweeps = counter(MetricSweeps, "Synchronize sweeps", "{sweep}")
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}

	if m.topicsActive, err = meter.Int64UpDownCounter(MetricTopicsActive,
		metric.WithDescription("Live topics"), metric.WithUnit("{topic}")); err != nil {
		return nil, fmt.Errorf("telemetry: create %s: %w", MetricTopicsActive, err)
	}
	if m.batchSize, err = meter.Int64Histogram(MetricBatchSize,
		metric.WithDescription("Messages per flushed batch"), metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("telemetry: create %s: %w", MetricBatchSize, err)
	}
	if m.flushStaleness, err = meter.Float64Histogram(MetricFlushStaleness,
		metric.WithDescription("Staleness of a subscription when it flushed"), metric.WithUnit(metricsUnitMilliseconds)); err != nil {
		return nil, fmt.Errorf("telemetry: create %s: %w", MetricFlushStaleness, err)
	}
	if m.sweepDuration, err = meter.Float64Histogram(MetricSweepDuration,
		metric.WithDescription("Duration of a synchronize sweep"), metric.WithUnit(metricsUnitMilliseconds)); err != nil {
		return nil, fmt.Errorf("telemetry: create %s: %w", MetricSweepDuration, err)
	}
	if m.sweepNumerical, err = meter.Int64Histogram(MetricSweepNumerical,
		metric.WithDescription("Combined numerical error observed by a sweep"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("telemetry: create %s: %w", MetricSweepNumerical, err)
	}
	return m, nil
}

// TopicCreated implements dyconit.Observer.
func (m *Metrics) TopicCreated(topic string) {
	ctx := context.Background()
	opt := m.topic(topic)
	m.topicsCreated.Add(ctx, 1, opt)
	m.topicsActive.Add(ctx, 1, m.base)
}

// TopicRemoved implements dyconit.Observer.
func (m *Metrics) TopicRemoved(topic string) {
	ctx := context.Background()
	m.topicsRemoved.Add(ctx, 1, m.topic(topic))
	m.topicsActive.Add(ctx, -1, m.base)
}

// MessageQueued implements dyconit.Observer.
func (m *Metrics) MessageQueued(topic string, weight int) {
	ctx := context.Background()
	opt := m.topic(topic)
	m.messagesQueued.Add(ctx, 1, opt)
	if weight > 0 {
		m.numericalQueued.Add(ctx, int64(weight), opt)
	}
}

// BatchFlushed implements dyconit.Observer.
func (m *Metrics) BatchFlushed(topic string, report dyconit.FlushReport) {
	ctx := context.Background()
	attrs := append(TopicAttributes(m.environment, topic, m.includeTopic), AttrForced.Bool(report.Forced))
	opt := metric.WithAttributes(attrs...)
	m.flushes.Add(ctx, 1, opt)
	m.batchSize.Record(ctx, int64(report.Messages), opt)
	m.flushStaleness.Record(ctx, durationMillis(report.Staleness), opt)
	if report.Messages > 0 {
		m.messagesSent.Add(ctx, int64(report.Messages), opt)
	}
	if report.Numerical > 0 {
		m.numericalSent.Add(ctx, int64(report.Numerical), opt)
	}
}

// BoundsChanged implements dyconit.Observer.
func (m *Metrics) BoundsChanged(topic string, previous, next dyconit.Bounds) {
	attrs := append(TopicAttributes(m.environment, topic, m.includeTopic), AttrBoundsChange.String(classifyBounds(previous, next)))
	m.boundsChanges.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// DeliveryFailed implements dyconit.Observer.
func (m *Metrics) DeliveryFailed(topic string, err error) {
	attrs := append(TopicAttributes(m.environment, topic, m.includeTopic), AttrErrorType.String(errorType(err)))
	m.deliveryErrors.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// SweepCompleted implements dyconit.Observer.
func (m *Metrics) SweepCompleted(total dyconit.Error, elapsed time.Duration) {
	ctx := context.Background()
	m.sweeps.Add(ctx, 1, m.base)
	m.sweepDuration.Record(ctx, durationMillis(elapsed), m.base)
	m.sweepNumerical.Record(ctx, int64(total.Numerical), m.base)
}

func (m *Metrics) topic(topic string) metric.MeasurementOption {
	if !m.includeTopic {
		return m.base
	}
	return metric.WithAttributes(TopicAttributes(m.environment, topic, true)...)
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// classifyBounds compares two bounds dimension by dimension. Unbounded is looser
// than any finite value.
func classifyBounds(previous, next dyconit.Bounds) string {
	s := compareDimension(previous.Staleness, next.Staleness)
	n := compareDimension(previous.Numerical, next.Numerical)
	switch {
	case s <= 0 && n <= 0:
		return BoundsTighten
	case s >= 0 && n >= 0:
		return BoundsLoosen
	default:
		return BoundsMixed
	}
}

// compareDimension returns -1 when next is tighter, 1 when looser, 0 when equal.
func compareDimension(previous, next int) int {
	rank := func(v int) int64 {
		if v == dyconit.Unbounded {
			return 1 << 62
		}
		return int64(v)
	}
	switch p, n := rank(previous), rank(next); {
	case n < p:
		return -1
	case n > p:
		return 1
	default:
		return 0
	}
}

func errorType(err error) string {
	for _, code := range []errs.Code{errs.CodeDelivery, errs.CodeInternal, errs.CodeUnavailable} {
		if errs.HasCode(err, code) {
			return string(code)
		}
	}
	return "unknown"
}
