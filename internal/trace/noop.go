package trace

import (
	"context"
	"time"
)

// NoopRecorder discards every event. Used by tests and by deployments that
// run without a configured OpenTelemetry exporter.
type NoopRecorder struct{}

func (NoopRecorder) StartSpan(ctx context.Context, _, _ string, _ map[string]string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopRecorder) RecordException(context.Context, error) {}

func (NoopRecorder) RecordRetryEvent(context.Context, string, string, string, int, time.Time) {}

type noopSpan struct{}

func (noopSpan) SetAttributes(map[string]string) {}
func (noopSpan) End()                             {}

var _ Recorder = NoopRecorder{}
