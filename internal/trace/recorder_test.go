package trace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDeterministicSpanID_SameInputsSameID(t *testing.T) {
	a := deterministicSpanID("trace-123", "attempt-1")
	b := deterministicSpanID("trace-123", "attempt-1")
	assert.Equal(t, spanIDUint64(a), spanIDUint64(b))
}

func TestDeterministicSpanID_DifferentSeedDifferentID(t *testing.T) {
	a := deterministicSpanID("trace-123", "attempt-1")
	b := deterministicSpanID("trace-123", "attempt-2")
	assert.NotEqual(t, spanIDUint64(a), spanIDUint64(b))
}

func TestOTelRecorder_RecordRetryEvent(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	recorder := &OTelRecorder{tracer: tp.Tracer("test")}

	nextRetryAt := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	recorder.RecordRetryEvent(context.Background(), "run-1", "retry-2", "Retry 1/2 delay", 2, nextRetryAt)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]

	assert.Equal(t, "retry.scheduled", span.Name)
	assert.Equal(t, nextRetryAt, span.EndTime)

	attrs := map[string]string{}
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "Retry 1/2 delay", attrs["retry.message"])
	assert.Equal(t, "schedule-attempt", attrs["style.icon"])
}
