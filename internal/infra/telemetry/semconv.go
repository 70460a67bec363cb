// Package telemetry provides OpenTelemetry setup and the broker's instruments.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for broker telemetry, following namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTopic names the topic a signal belongs to when topic labelling is on.
	AttrTopic = attribute.Key("dyconit.topic")
	// AttrForced marks flushes caused by subscription removal rather than bounds.
	AttrForced = attribute.Key("dyconit.forced")
	// AttrBoundsChange classifies a bounds transition (tighten, loosen, mixed).
	AttrBoundsChange = attribute.Key("dyconit.bounds.change")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrCodec names the wire codec of a websocket session.
	AttrCodec = attribute.Key("transport.codec")
	// AttrOperation differentiates client operations on a session.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
)

// Bounds transition values.
const (
	BoundsTighten = "tighten"
	BoundsLoosen  = "loosen"
	BoundsMixed   = "mixed"
)

// Result values.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultLimited  = "rate_limited"
	ResultError    = "error"
)

// TopicAttributes returns the attributes of a per-topic signal.
func TopicAttributes(environment, topic string, includeTopic bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEnvironment.String(environment)}
	if includeTopic && topic != "" {
		attrs = append(attrs, AttrTopic.String(topic))
	}
	return attrs
}

// OperationAttributes returns the attributes of a transport operation.
func OperationAttributes(environment, codec, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
	if codec != "" {
		attrs = append(attrs, AttrCodec.String(codec))
	}
	return attrs
}
