package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSingleStep(t *testing.T, step *Step, input any) *RunResult {
	t.Helper()
	wf, err := NewWorkflow("group-under-test").Then(step).Build()
	require.NoError(t, err)
	result, err := wf.NewRun().Start(context.Background(), input)
	require.NoError(t, err)
	return result
}

func TestConcurrentHandlersJoin(t *testing.T) {
	step := NewConcurrentStep("fan", map[string]Handler{
		"double": func(ctx context.Context, sc *StepContext, input any) (any, error) {
			return input.(int) * 2, nil
		},
		"triple": func(ctx context.Context, sc *StepContext, input any) (any, error) {
			return input.(int) * 3, nil
		},
	})

	result := runSingleStep(t, step, 5)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, map[string]any{"double": 10, "triple": 15}, result.Output)

	require.Len(t, result.Steps["fan"], 1)
	assert.Equal(t, StepStatusSuccess, result.Steps["fan"][0].Status)
}

func TestConcurrentAggregate(t *testing.T) {
	step := NewConcurrentStep("fan", map[string]Handler{
		"a": constHandler(1),
		"b": constHandler(2),
	}).WithAggregate(func(outputs map[string]any) (any, error) {
		return outputs["a"].(int) + outputs["b"].(int), nil
	})

	result := runSingleStep(t, step, nil)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 3, result.Output)
}

func TestConcurrentFailFastNamesFailingBranch(t *testing.T) {
	boom := errors.New("boom")
	step := NewConcurrentStep("fan", map[string]Handler{
		"left": func(ctx context.Context, sc *StepContext, input any) (any, error) {
			// Blocks until the group cancels it after the sibling fails.
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"right": func(ctx context.Context, sc *StepContext, input any) (any, error) {
			return nil, boom
		},
	})

	result := runSingleStep(t, step, nil)
	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrCodeExecution, result.Error.Code)
	assert.Contains(t, result.Error.Error(), `concurrent branch "right" failed`)
	assert.True(t, errors.Is(result.Error, boom))
}

func TestConcurrentWaitAllNamesEveryFailure(t *testing.T) {
	failing := func(msg string) *Graph {
		g, err := NewGraph().
			Then(NewStep("fail", func(ctx context.Context, sc *StepContext, input any) (any, error) {
				return nil, errors.New(msg)
			})).
			Build()
		require.NoError(t, err)
		return g
	}
	ok, err := NewGraph().Then(NewStep("ok", constHandler("fine"))).Build()
	require.NoError(t, err)

	step := NewConcurrentGraphStep("fan", map[string]*Graph{
		"alpha": failing("alpha failed"),
		"beta":  failing("beta failed"),
		"gamma": ok,
	}, WaitAll)

	result := runSingleStep(t, step, nil)
	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), `"alpha"`)
	assert.Contains(t, result.Error.Error(), `"beta"`)
	assert.NotContains(t, result.Error.Error(), `"gamma"`)
}

func TestConcurrentSubGraphs(t *testing.T) {
	stage := func(prefix string) *Graph {
		g, err := NewGraph().
			Then(NewStep("first", func(ctx context.Context, sc *StepContext, input any) (any, error) {
				return prefix + "-" + input.(string), nil
			})).
			Then(NewStep("second", func(ctx context.Context, sc *StepContext, input any) (any, error) {
				return input.(string) + "!", nil
			})).
			Build()
		require.NoError(t, err)
		return g
	}

	step := NewConcurrentGraphStep("fan", map[string]*Graph{
		"loud": stage("LOUD"),
		"soft": stage("soft"),
	}, FailFast)

	result := runSingleStep(t, step, "hello")
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, map[string]any{"loud": "LOUD-hello!", "soft": "soft-hello!"}, result.Output)

	// Sub-graph steps never surface in the run's snapshot history.
	assert.Empty(t, result.Steps["first"])
	assert.Empty(t, result.Steps["second"])
}

func TestConcurrentRejectsHumanSteps(t *testing.T) {
	sub, err := NewGraph().
		Then(NewHumanStep("ask",
			func(ctx context.Context, sc *StepContext, input any) (*HumanRequest, error) {
				return &HumanRequest{Form: "approve?"}, nil
			},
			func(data any) (any, error) { return data, nil },
		)).
		Build()
	require.NoError(t, err)

	step := NewConcurrentGraphStep("fan", map[string]*Graph{"branch": sub}, FailFast)

	result := runSingleStep(t, step, nil)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error.Error(), "human steps are not supported inside concurrent groups")
}

func TestConcurrentSharesStore(t *testing.T) {
	step := NewConcurrentStep("fan", map[string]Handler{
		"writer": func(ctx context.Context, sc *StepContext, input any) (any, error) {
			sc.Store().Set("shared", "value")
			return nil, nil
		},
	})

	wf, err := NewWorkflow("store-sharing").
		Then(step).
		Then(NewStep("reader", func(ctx context.Context, sc *StepContext, input any) (any, error) {
			v, ok := sc.Store().Get("shared")
			require.True(t, ok)
			return v, nil
		})).
		Build()
	require.NoError(t, err)

	result, err := wf.NewRun().Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "value", result.Output)
}

func TestConcurrentChildrenEmitAndShareContext(t *testing.T) {
	step := NewConcurrentStep("fan", map[string]Handler{
		"alpha": func(ctx context.Context, sc *StepContext, input any) (any, error) {
			sc.SetContext("alpha")
			sc.Emit("progress", "alpha done")
			return sc.Context(), nil
		},
		"beta": func(ctx context.Context, sc *StepContext, input any) (any, error) {
			sc.SetContext("beta")
			sc.Emit("progress", "beta done")
			return sc.Context(), nil
		},
	})

	wf, err := NewWorkflow("fan-out-context").Then(step).Build()
	require.NoError(t, err)

	// Custom events from fan-out children arrive on child goroutines, so
	// the watcher guards its own state.
	var mu sync.Mutex
	var custom []Event
	run := wf.NewRun(WithWatcher(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Type == EventStepCustom {
			custom = append(custom, ev)
		}
	}))

	result, err := run.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, custom, 2)
	for _, ev := range custom {
		assert.Equal(t, "fan", ev.StepID)
	}
	assert.Contains(t, []any{"alpha", "beta"}, result.Context,
		"last context write wins; either child may have written last")
}
