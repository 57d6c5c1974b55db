// Package context carries the correlation data of one scenario run so every
// log line it produces can be tied back to it.
package context

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Run identifies one execution of a scenario.
type Run struct {
	TraceID  string
	RunID    string
	Scenario string
}

type runKey struct{}

// WithRun binds run to ctx.
func WithRun(ctx context.Context, run *Run) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFrom returns the run bound to ctx, or nil.
func RunFrom(ctx context.Context) *Run {
	run, _ := ctx.Value(runKey{}).(*Run)
	return run
}

// NewRun starts a run for the named scenario. The trace ID joins the active
// OpenTelemetry trace when ctx carries one.
func NewRun(ctx context.Context, scenario string) *Run {
	run := &Run{RunID: uuid.NewString(), Scenario: scenario}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		run.TraceID = sc.TraceID().String()
	} else {
		run.TraceID = uuid.NewString()
	}
	return run
}

// TraceID returns the trace ID of the run bound to ctx, falling back to the
// active span. It is empty when neither exists.
func TraceID(ctx context.Context) string {
	if run := RunFrom(ctx); run != nil {
		return run.TraceID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
