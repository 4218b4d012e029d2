package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iterateWhile(n int) LoopCondition {
	return func(ctx context.Context, st *LoopState) (bool, error) {
		return st.Iteration < n, nil
	}
}

func TestLoopRunsUntilConditionFalse(t *testing.T) {
	executions := 0
	body := NewStep("body", func(ctx context.Context, sc *StepContext, input any) (any, error) {
		executions++
		return executions, nil
	})

	result := runSingleStep(t, NewLoopStep("loop", iterateWhile(2), body, 10), nil)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 2, executions)

	out := result.Output.(map[string]any)
	assert.Equal(t, 2, out["lastResult"])
	assert.Equal(t, []any{1, 2}, out["allResults"])
}

func TestLoopZeroIterations(t *testing.T) {
	body := NewStep("body", constHandler("never"))
	result := runSingleStep(t, NewLoopStep("loop", iterateWhile(0), body, 10), nil)

	assert.Equal(t, StatusSuccess, result.Status)
	out := result.Output.(map[string]any)
	assert.Nil(t, out["lastResult"])
	assert.Empty(t, out["allResults"])
}

func TestLoopBoundExceededIsFatal(t *testing.T) {
	executions := 0
	body := NewStep("body", func(ctx context.Context, sc *StepContext, input any) (any, error) {
		executions++
		return executions, nil
	})
	always := func(ctx context.Context, st *LoopState) (bool, error) { return true, nil }

	result := runSingleStep(t, NewLoopStep("loop", always, body, 3), nil)

	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrCodeExecution, result.Error.Code)
	assert.Equal(t, "loop", result.Error.StepID)
	assert.Contains(t, result.Error.Error(), "loop exceeded maxIterations (3)")
	assert.Equal(t, 3, executions, "the bound allows exactly maxIterations body executions")
}

func TestLoopBodyInputChaining(t *testing.T) {
	var inputs []any
	body := NewStep("body", func(ctx context.Context, sc *StepContext, input any) (any, error) {
		inputs = append(inputs, input)
		return input.(int) + 1, nil
	})

	result := runSingleStep(t, NewLoopStep("loop", iterateWhile(3), body, 10), 100)
	assert.Equal(t, StatusSuccess, result.Status)
	// Iteration 0 sees the loop input; later iterations see the previous output.
	assert.Equal(t, []any{100, 101, 102}, inputs)
}

func TestLoopExplicitBodyInput(t *testing.T) {
	var inputs []any
	body := NewStep("body", func(ctx context.Context, sc *StepContext, input any) (any, error) {
		inputs = append(inputs, input)
		return nil, nil
	})

	step := NewLoopStep("loop", iterateWhile(2), body, 10).
		WithLoopInput(func(st *LoopState) any {
			return map[string]any{"iteration": st.Iteration}
		})

	result := runSingleStep(t, step, nil)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, []any{
		map[string]any{"iteration": 0},
		map[string]any{"iteration": 1},
	}, inputs)
}

func TestLoopCollect(t *testing.T) {
	body := NewStep("body", func(ctx context.Context, sc *StepContext, input any) (any, error) {
		return input.(int) * 2, nil
	})

	step := NewLoopStep("loop", iterateWhile(3), body, 10).
		WithCollect(func(results []any, last any) (any, error) {
			sum := 0
			for _, r := range results {
				sum += r.(int)
			}
			return sum, nil
		})

	result := runSingleStep(t, step, 1)
	assert.Equal(t, StatusSuccess, result.Status)
	// 1 -> 2 -> 4 -> 8; sum of outputs.
	assert.Equal(t, 14, result.Output)
}

func TestLoopConditionError(t *testing.T) {
	boom := errors.New("condition blew up")
	cond := func(ctx context.Context, st *LoopState) (bool, error) {
		if st.Iteration == 1 {
			return false, boom
		}
		return true, nil
	}
	body := NewStep("body", constHandler("ok"))

	result := runSingleStep(t, NewLoopStep("loop", cond, body, 10), nil)
	assert.Equal(t, StatusFailed, result.Status)
	assert.True(t, errors.Is(result.Error, boom))
}

func TestLoopBodyFailureStopsLoop(t *testing.T) {
	executions := 0
	body := NewStep("body", func(ctx context.Context, sc *StepContext, input any) (any, error) {
		executions++
		if executions == 2 {
			return nil, errors.New("body failed")
		}
		return nil, nil
	})

	result := runSingleStep(t, NewLoopStep("loop", iterateWhile(5), body, 10), nil)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 2, executions)
	assert.Contains(t, result.Error.Error(), "body failed")
}

func TestLoopObservesCancellation(t *testing.T) {
	var run *Run
	body := NewStep("body", func(ctx context.Context, sc *StepContext, input any) (any, error) {
		run.Cancel()
		return nil, nil
	})
	always := func(ctx context.Context, st *LoopState) (bool, error) { return true, nil }

	wf, err := NewWorkflow("cancelled-loop").
		Then(NewLoopStep("loop", always, body, 100)).
		Build()
	require.NoError(t, err)

	run = wf.NewRun()
	result, err := run.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
}

func TestLoopSeesContextValue(t *testing.T) {
	cond := func(ctx context.Context, st *LoopState) (bool, error) {
		return st.Context.(string) == "go" && st.Iteration < 1, nil
	}
	body := NewStep("body", func(ctx context.Context, sc *StepContext, input any) (any, error) {
		return "done", nil
	})

	wf, err := NewWorkflow("ctx-loop").
		WithContext("go").
		Then(NewLoopStep("loop", cond, body, 10)).
		Build()
	require.NoError(t, err)

	result, err := wf.NewRun().Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	out := result.Output.(map[string]any)
	assert.Equal(t, "done", out["lastResult"])
}
