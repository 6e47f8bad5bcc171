package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"groupbuy/internal/config"
)

func TestNewTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracerConfigFrom(config.TracingConfig{Enabled: false, ServiceName: "groupbuy"}, "test"))
	require.NoError(t, err)
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestStartSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "trade.settle", attribute.String("team_id", "t1"))
	assert.NotEmpty(t, TraceID(ctx))
	EndSpan(span, errors.New("boom"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "trade.settle", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Empty(t, TraceID(context.Background()))
}
