package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loom-run/loom/internal/engine"
	"github.com/loom-run/loom/internal/types"
)

const tracerName = "github.com/loom-run/loom/internal/engine"

// TraceTelemetry maps the engine's telemetry hooks onto OpenTelemetry spans:
// one span per run, one child span per step attempt, and span events for the
// human-input lifecycle. Span handles travel in the contexts the engine
// threads back into the paired calls.
type TraceTelemetry struct {
	tracer trace.Tracer
}

// NewTraceTelemetry creates a TraceTelemetry on the given provider.
func NewTraceTelemetry(tp trace.TracerProvider) *TraceTelemetry {
	return &TraceTelemetry{tracer: tp.Tracer(tracerName)}
}

func (t *TraceTelemetry) StartWorkflow(ctx context.Context, workflowID string, runID types.ID) context.Context {
	ctx, _ = t.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("run.id", runID.String()),
		),
	)
	return ctx
}

func (t *TraceTelemetry) FinishWorkflow(ctx context.Context, result *engine.RunResult) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("run.status", result.Status.String()))
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, string(result.Error.Code))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (t *TraceTelemetry) StartStep(ctx context.Context, stepID string, occurrence int) context.Context {
	ctx, _ = t.tracer.Start(ctx, "step."+stepID,
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.Int("step.occurrence", occurrence),
		),
	)
	return ctx
}

func (t *TraceTelemetry) RecordStepSuccess(ctx context.Context, stepID string) {
	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func (t *TraceTelemetry) RecordStepError(ctx context.Context, stepID string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

// MarkWaitingForHuman ends the step span: the suspension closes this
// attempt, and the resume completes outside any step span.
func (t *TraceTelemetry) MarkWaitingForHuman(ctx context.Context, stepID string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("waiting_for_human", trace.WithAttributes(attribute.String("step.id", stepID)))
	span.End()
}

func (t *TraceTelemetry) RecordHumanRequest(ctx context.Context, stepID string, form any) {
	trace.SpanFromContext(ctx).AddEvent("human_input_requested",
		trace.WithAttributes(attribute.String("step.id", stepID)))
}

func (t *TraceTelemetry) RecordHumanCompletion(ctx context.Context, stepID string) {
	trace.SpanFromContext(ctx).AddEvent("human_input_completed",
		trace.WithAttributes(attribute.String("step.id", stepID)))
}

func (t *TraceTelemetry) RunWithStepContext(ctx context.Context, stepID string, fn func(context.Context) error) error {
	return fn(ctx)
}

var _ engine.Telemetry = (*TraceTelemetry)(nil)
