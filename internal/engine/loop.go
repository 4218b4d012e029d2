package engine

import (
	"context"
	"fmt"
)

// executeLoop drives an IterativeLoop step: evaluate the condition, compute
// the body input, execute the body, collect the output, repeat. The
// iteration bound is a hard failure, not a normal stop: a condition that is
// still true once maxIterations bodies have run fails the step.
func (r *Run) executeLoop(ctx context.Context, step *Step, sc *StepContext, input any) (any, error) {
	var (
		results []any
		last    any
	)

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, newAbortError(err)
		}

		state := &LoopState{
			Input:      input,
			LastOutput: last,
			Iteration:  iteration,
			Context:    r.contextVal(),
		}

		proceed, err := step.condition(ctx, state)
		if err != nil {
			return nil, asEngineError(step.id, err)
		}
		if !proceed {
			break
		}
		if iteration >= step.maxIterations {
			return nil, newExecutionError(step.id,
				fmt.Sprintf("loop exceeded maxIterations (%d)", step.maxIterations), nil)
		}

		bodyInput := loopBodyInput(step, state)

		bodyCtx := &StepContext{run: r, stepID: step.body.id}
		_, output, err := r.executeStep(ctx, step.body, bodyCtx, bodyInput)
		if err != nil {
			return nil, err
		}

		results = append(results, output)
		last = output
	}

	if step.collect != nil {
		out, err := step.collect(results, last)
		if err != nil {
			return nil, asEngineError(step.id, err)
		}
		return out, nil
	}
	return map[string]any{"lastResult": last, "allResults": results}, nil
}

// loopBodyInput picks the body input: the explicit transform when
// configured, otherwise the original input on iteration 0 and the previous
// output afterwards.
func loopBodyInput(step *Step, state *LoopState) any {
	if step.loopInput != nil {
		return step.loopInput(state)
	}
	if state.Iteration == 0 {
		return state.Input
	}
	return state.LastOutput
}
