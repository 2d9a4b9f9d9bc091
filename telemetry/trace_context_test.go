package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordingSpan starts a real recording span and returns its context plus the
// recorder holding ended spans.
func recordingSpan(t *testing.T) (context.Context, trace.Span, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("telemetry-test").Start(context.Background(), "operation")
	return ctx, span, sr
}

func TestGetTraceContext(t *testing.T) {
	t.Run("no span", func(t *testing.T) {
		var nilCtx context.Context
		assert.Equal(t, TraceContext{}, GetTraceContext(context.Background()))
		assert.Equal(t, TraceContext{}, GetTraceContext(nilCtx))
		assert.False(t, HasTraceContext(context.Background()))
		assert.False(t, HasTraceContext(nilCtx))
	})

	t.Run("remote span context", func(t *testing.T) {
		traceID, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
		require.NoError(t, err)
		spanID, err := trace.SpanIDFromHex("b7ad6b7169203331")
		require.NoError(t, err)

		ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		}))

		tc := GetTraceContext(ctx)
		assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", tc.TraceID)
		assert.Equal(t, "b7ad6b7169203331", tc.SpanID)
		assert.True(t, tc.Sampled)
		assert.True(t, HasTraceContext(ctx))
	})

	t.Run("live span", func(t *testing.T) {
		ctx, span, _ := recordingSpan(t)
		defer span.End()

		tc := GetTraceContext(ctx)
		assert.Len(t, tc.TraceID, 32)
		assert.Len(t, tc.SpanID, 16)
		assert.True(t, tc.Sampled)
	})
}

func TestSpanHelpers_RecordOnLiveSpan(t *testing.T) {
	ctx, span, sr := recordingSpan(t)

	AddSpanEvent(ctx, "checkpoint_saved", attribute.String("thread_id", "t1"))
	SetSpanAttributes(ctx, attribute.Int("retry_count", 2))
	RecordSpanError(ctx, errors.New("step failed"))
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	got := ended[0]

	var eventNames []string
	for _, ev := range got.Events() {
		eventNames = append(eventNames, ev.Name)
	}
	assert.Contains(t, eventNames, "checkpoint_saved")
	assert.Contains(t, eventNames, "exception")

	assert.Contains(t, got.Attributes(), attribute.Int("retry_count", 2))
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Equal(t, "step failed", got.Status().Description)
}

func TestSetSpanStatus(t *testing.T) {
	ctx, span, sr := recordingSpan(t)

	SetSpanStatus(ctx, codes.Ok, "")
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
}

func TestSpanHelpers_SafeWithoutSpan(t *testing.T) {
	ctx := context.Background()
	var nilCtx context.Context

	AddSpanEvent(ctx, "noop")
	AddSpanEvent(nilCtx, "noop")
	SetSpanAttributes(ctx, attribute.Bool("ignored", true))
	SetSpanAttributes(nilCtx)
	RecordSpanError(ctx, errors.New("dropped"))
	RecordSpanError(ctx, nil)
	RecordSpanError(nilCtx, errors.New("dropped"))
	SetSpanStatus(ctx, codes.Error, "ignored")
	SetSpanStatus(nilCtx, codes.Error, "ignored")
}
