package redpanda

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func testConsumer(handler MessageHandler, dlq DeadLetterFunc) *Consumer {
	return &Consumer{
		ctx:        context.Background(),
		cancel:     func() {},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("test"),
		handler:    handler,
		deadLetter: dlq,
	}
}

func records(n int) []*kgo.Record {
	out := make([]*kgo.Record, n)
	for i := range out {
		out[i] = &kgo.Record{
			Topic:   TopicAnalysisRequests,
			Offset:  int64(i),
			Key:     []byte("a"),
			Value:   []byte(`{}`),
			Headers: []kgo.RecordHeader{{Key: "event_type", Value: []byte("AnalysisRequested")}},
		}
	}
	return out
}

func failAt(offset int64) MessageHandler {
	return func(ctx context.Context, msg *ConsumedMessage) error {
		if msg.Offset == offset {
			return errors.New("invalid payload")
		}
		return nil
	}
}

func TestPartitionStopsAtFailureWithoutDeadLetter(t *testing.T) {
	c := testConsumer(failAt(2), nil)

	done := c.processPartition(records(5))
	assert.Len(t, done, 2)
	assert.Equal(t, int64(1), c.Stats().ErrorCount)
}

func TestPartitionDeadLettersFailures(t *testing.T) {
	var dead []int64
	c := testConsumer(failAt(2), func(ctx context.Context, msg *ConsumedMessage, cause error) error {
		dead = append(dead, msg.Offset)
		assert.Equal(t, "AnalysisRequested", msg.Headers["event_type"])
		return nil
	})

	done := c.processPartition(records(5))
	assert.Len(t, done, 5)
	assert.Equal(t, []int64{2}, dead)
	assert.Equal(t, int64(1), c.Stats().DeadLettered)
	assert.Equal(t, int64(5), c.Stats().MessagesRead)
}

func TestPartitionKeepsRecordWhenDeadLetterFails(t *testing.T) {
	c := testConsumer(failAt(1), func(ctx context.Context, msg *ConsumedMessage, cause error) error {
		return errors.New("broker down")
	})
	assert.Len(t, c.processPartition(records(3)), 1)
}

func TestTraceContextRoundTripsThroughHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	record := &kgo.Record{}
	injectTraceHeaders(trace.ContextWithSpanContext(context.Background(), sc), record)
	require.NotEmpty(t, headerCarrier{record: record}.Get("traceparent"))

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestTopicConfigs(t *testing.T) {
	seen := map[string]bool{}
	for _, tc := range TopicConfigs(DefaultLayout()) {
		assert.False(t, seen[tc.Name], tc.Name)
		seen[tc.Name] = true
		assert.Positive(t, tc.Partitions)
	}
	assert.True(t, seen[TopicAnalysisRequests])
	assert.True(t, seen[TopicAnalysisResults])
	assert.True(t, seen[TopicDeadLetter])
}

func TestTopicConfigsLayout(t *testing.T) {
	configs := TopicConfigs(Layout{Partitions: 1, ReplicationFactor: 3})
	for _, tc := range configs {
		assert.Equal(t, int32(1), tc.Partitions, tc.Name)
		assert.Equal(t, int16(3), tc.ReplicationFactor, tc.Name)
	}
	assert.Equal(t, "16777216", *configs[0].Configs["max.message.bytes"])
	assert.Equal(t, "86400000", *configs[0].Configs["retention.ms"])

	defaults := TopicConfigs(Layout{})
	assert.Equal(t, int32(6), defaults[0].Partitions)
	assert.Equal(t, int32(3), defaults[2].Partitions)
}
