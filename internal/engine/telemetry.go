package engine

import (
	"context"

	"github.com/loom-run/loom/internal/types"
)

// Telemetry is the span-lifecycle collaborator called opportunistically by
// a Run. Implementations map these hooks onto whatever tracing backend the
// host uses; the engine itself attaches no meaning to them beyond ordering.
// Context values returned by StartWorkflow and StartStep carry the span
// scope and are threaded back into the paired finish/record calls.
type Telemetry interface {
	StartWorkflow(ctx context.Context, workflowID string, runID types.ID) context.Context
	FinishWorkflow(ctx context.Context, result *RunResult)

	StartStep(ctx context.Context, stepID string, occurrence int) context.Context
	RecordStepSuccess(ctx context.Context, stepID string)
	RecordStepError(ctx context.Context, stepID string, err error)

	MarkWaitingForHuman(ctx context.Context, stepID string)
	RecordHumanRequest(ctx context.Context, stepID string, form any)
	RecordHumanCompletion(ctx context.Context, stepID string)

	// RunWithStepContext executes fn inside the step span's logical scope.
	RunWithStepContext(ctx context.Context, stepID string, fn func(context.Context) error) error
}

// NoopTelemetry satisfies Telemetry with no-ops. It is the default when a
// workflow has no telemetry policy.
type NoopTelemetry struct{}

func (NoopTelemetry) StartWorkflow(ctx context.Context, workflowID string, runID types.ID) context.Context {
	return ctx
}
func (NoopTelemetry) FinishWorkflow(ctx context.Context, result *RunResult)       {}
func (NoopTelemetry) StartStep(ctx context.Context, stepID string, occurrence int) context.Context {
	return ctx
}
func (NoopTelemetry) RecordStepSuccess(ctx context.Context, stepID string)            {}
func (NoopTelemetry) RecordStepError(ctx context.Context, stepID string, err error)   {}
func (NoopTelemetry) MarkWaitingForHuman(ctx context.Context, stepID string)          {}
func (NoopTelemetry) RecordHumanRequest(ctx context.Context, stepID string, form any) {}
func (NoopTelemetry) RecordHumanCompletion(ctx context.Context, stepID string)        {}
func (NoopTelemetry) RunWithStepContext(ctx context.Context, stepID string, fn func(context.Context) error) error {
	return fn(ctx)
}

var _ Telemetry = NoopTelemetry{}
