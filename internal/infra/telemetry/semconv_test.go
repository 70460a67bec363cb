package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestTopicAttributes(t *testing.T) {
	require.Equal(t, []attribute.KeyValue{AttrEnvironment.String("dev")}, TopicAttributes("dev", "cell:0:0", false))
	require.Equal(t,
		[]attribute.KeyValue{AttrEnvironment.String("dev"), AttrTopic.String("cell:0:0")},
		TopicAttributes("dev", "cell:0:0", true))
	require.Len(t, TopicAttributes("dev", "", true), 1)
}

func TestOperationAttributes(t *testing.T) {
	attrs := OperationAttributes("prod", "json", "publish", ResultLimited)
	set := attribute.NewSet(attrs...)
	codec, ok := set.Value(AttrCodec)
	require.True(t, ok)
	require.Equal(t, "json", codec.AsString())
	result, _ := set.Value(AttrResult)
	require.Equal(t, ResultLimited, result.AsString())

	require.Len(t, OperationAttributes("prod", "", "view", ResultOK), 3)
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4318")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")
	t.Setenv("DYCONIT_ENV", "Staging")

	cfg := DefaultConfig()
	require.True(t, cfg.Enabled)
	require.Equal(t, "otel:4318", cfg.OTLPEndpoint)
	require.Equal(t, "staging", cfg.Environment)
	require.False(t, cfg.TopicAttribute)
}
