package ws

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/coachpo/dyconit/internal/infra/telemetry"
)

// Instrument names.
const (
	MetricSessions       = "dyconit.transport.sessions"
	MetricOperations     = "dyconit.transport.operations"
	MetricFramesDropped  = "dyconit.transport.frames.dropped"
	MetricSessionsOpened = "dyconit.transport.sessions.opened"
)

type transportMetrics struct {
	environment string
	sessions    metric.Int64UpDownCounter
	opened      metric.Int64Counter
	operations  metric.Int64Counter
	dropped     metric.Int64Counter
}

func newTransportMetrics(meter metric.Meter, environment string) (*transportMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("ws")
	}
	m := &transportMetrics{environment: environment}
	var err error
	if m.sessions, err = meter.Int64UpDownCounter(MetricSessions,
		metric.WithDescription("Connected websocket sessions"), metric.WithUnit("{session}")); err != nil {
		return nil, fmt.Errorf("ws: create %s: %w", MetricSessions, err)
	}
	if m.opened, err = meter.Int64Counter(MetricSessionsOpened,
		metric.WithDescription("Websocket sessions accepted"), metric.WithUnit("{session}")); err != nil {
		return nil, fmt.Errorf("ws: create %s: %w", MetricSessionsOpened, err)
	}
	if m.operations, err = meter.Int64Counter(MetricOperations,
		metric.WithDescription("Client operations by result"), metric.WithUnit("{operation}")); err != nil {
		return nil, fmt.Errorf("ws: create %s: %w", MetricOperations, err)
	}
	if m.dropped, err = meter.Int64Counter(MetricFramesDropped,
		metric.WithDescription("Frames that could not be queued to a session"), metric.WithUnit("{frame}")); err != nil {
		return nil, fmt.Errorf("ws: create %s: %w", MetricFramesDropped, err)
	}
	return m, nil
}

func (m *transportMetrics) sessionOpened(codec string) {
	opt := metric.WithAttributes(telemetry.OperationAttributes(m.environment, codec, "connect", telemetry.ResultOK)...)
	m.sessions.Add(context.Background(), 1, opt)
	m.opened.Add(context.Background(), 1, opt)
}

func (m *transportMetrics) sessionClosed(codec string) {
	opt := metric.WithAttributes(telemetry.OperationAttributes(m.environment, codec, "connect", telemetry.ResultOK)...)
	m.sessions.Add(context.Background(), -1, opt)
}

func (m *transportMetrics) operation(codec, op, result string) {
	m.operations.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.OperationAttributes(m.environment, codec, op, result)...))
}

func (m *transportMetrics) frameDropped(codec string) {
	m.dropped.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.OperationAttributes(m.environment, codec, "write", telemetry.ResultError)...))
}
