// Package trace records dispatch and execution events as OpenTelemetry
// spans, following the orchestrator example's otel.Tracer/tracer.Start
// pattern, and implements the trace-window rollover protocol that bounds how
// many events a single span may carry before the recorder starts a new one.
package trace

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Recorder is the contract the dispatch loop and completion handler use to
// emit observability events. An adapter may be backed by OpenTelemetry (see
// OTelRecorder) or by a no-op for tests.
type Recorder interface {
	StartSpan(ctx context.Context, runID, name string, attrs map[string]string) (context.Context, Span)
	RecordException(ctx context.Context, err error)
	// RecordRetryEvent appends a span recording a retry decision, tagged with
	// an ID derived deterministically from the (traceID, seed) pair; replaying
	// the same pair records another span carrying the same derived ID, so
	// replays are not deduplicated. message is the formatted retry message (see
	// runs.RetryConfig.RetryMessage); the span ends at nextRetryAt rather
	// than at call time, so its duration reflects the scheduled delay.
	RecordRetryEvent(ctx context.Context, traceID, seed, message string, attemptNumber int, nextRetryAt time.Time)
}

// Span is the subset of oteltrace.Span the dispatcher needs to close out an
// event it started.
type Span interface {
	SetAttributes(attrs map[string]string)
	End()
}

// OTelRecorder implements Recorder on top of an OpenTelemetry TracerProvider.
type OTelRecorder struct {
	tracer oteltrace.Tracer
}

func NewOTelRecorder(instrumentationName string) *OTelRecorder {
	return &OTelRecorder{tracer: otel.Tracer(instrumentationName)}
}

func (r *OTelRecorder) StartSpan(ctx context.Context, runID, name string, attrs map[string]string) (context.Context, Span) {
	kvs := make([]attribute.KeyValue, 0, len(attrs)+1)
	kvs = append(kvs, attribute.String("run.id", runID))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	ctx, span := r.tracer.Start(ctx, name, oteltrace.WithAttributes(kvs...))
	return ctx, &otelSpan{span: span}
}

func (r *OTelRecorder) RecordException(ctx context.Context, err error) {
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
}

// RecordRetryEvent opens a span carrying, as its retry.span_id attribute, an
// ID derived deterministically from the trace ID and a caller-chosen seed
// (the completion handler passes "retry-<next attempt number>"). The span's
// own SpanID is assigned by the tracer, so re-delivering the same retry
// decision produces a second span with the same retry.span_id. The span
// ends at nextRetryAt so its duration
// reflects the scheduled delay rather than the time RecordRetryEvent itself
// was called.
func (r *OTelRecorder) RecordRetryEvent(ctx context.Context, traceID, seed, message string, attemptNumber int, nextRetryAt time.Time) {
	_, span := r.tracer.Start(ctx, "retry.scheduled", oteltrace.WithAttributes(
		attribute.String("retry.span_id", deterministicSpanID(traceID, seed).String()),
		attribute.Int("retry.attempt", attemptNumber),
		attribute.String("retry.next_at", nextRetryAt.Format(time.RFC3339)),
		attribute.String("retry.message", message),
		attribute.String("style.icon", "schedule-attempt"),
	))
	span.End(oteltrace.WithTimestamp(nextRetryAt))
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) SetAttributes(attrs map[string]string) {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	s.span.SetAttributes(kvs...)
}

func (s *otelSpan) End() {
	s.span.End()
}

// deterministicSpanID hashes traceID||seed with SHA-1 and truncates to the
// 8 bytes a SpanID requires, so the same inputs always yield the same ID.
func deterministicSpanID(traceID, seed string) oteltrace.SpanID {
	sum := sha1.Sum([]byte(traceID + seed))
	var id oteltrace.SpanID
	copy(id[:], sum[:8])
	return id
}

// spanIDUint64 is a convenience used by tests to assert determinism without
// depending on oteltrace.SpanID's internal layout.
func spanIDUint64(id oteltrace.SpanID) uint64 {
	return binary.BigEndian.Uint64(id[:])
}
