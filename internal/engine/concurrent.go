package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// executeConcurrent fans the input out to every named child of the group
// and joins them before the step completes. Fan-out is cooperative: each
// child receives a context that is cancelled on the first failure when the
// strategy is fail-fast. All children share the run's store.
func (r *Run) executeConcurrent(ctx context.Context, step *Step, sc *StepContext, input any) (any, error) {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type childFailure struct {
		branch string
		err    error
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outputs  = make(map[string]any, len(step.members))
		failures []childFailure
	)

	for name, member := range step.members {
		wg.Add(1)
		go func(name string, member groupMember) {
			defer wg.Done()

			var out any
			var err error
			if member.handler != nil {
				out, err = member.handler(gctx, sc, input)
			} else {
				out, err = r.runSubGraph(gctx, member.graph, sc, input)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, childFailure{branch: name, err: err})
				if step.strategy == FailFast {
					cancel()
				}
				return
			}
			outputs[name] = out
		}(name, member)
	}
	wg.Wait()

	if len(failures) > 0 {
		if step.strategy == FailFast {
			first := failures[0]
			return nil, newExecutionError(step.id,
				fmt.Sprintf("concurrent branch %q failed", first.branch), first.err)
		}

		names := make([]string, len(failures))
		for i, f := range failures {
			names[i] = fmt.Sprintf("%q", f.branch)
		}
		sort.Strings(names)
		return nil, newExecutionError(step.id,
			fmt.Sprintf("concurrent branches %s failed", strings.Join(names, ", ")), failures[0].err)
	}

	if step.aggregate != nil {
		out, err := step.aggregate(outputs)
		if err != nil {
			return nil, asEngineError(step.id, err)
		}
		return out, nil
	}
	return outputs, nil
}

// runSubGraph walks one sub-graph branch of a concurrent group
// sequentially. Sub-graph steps do not appear in the run's snapshot
// history; only the branch output surfaces. Human steps cannot suspend a
// run from inside a fan-out and are rejected.
func (r *Run) runSubGraph(ctx context.Context, g *Graph, sc *StepContext, input any) (any, error) {
	currentID := g.entryID
	value := input

	for currentID != "" {
		if err := ctx.Err(); err != nil {
			return nil, newAbortError(err)
		}

		step := g.steps[currentID]
		if step == nil {
			return nil, newExecutionError(currentID, "unknown step id in sub-graph", nil)
		}
		if step.kind == KindHuman {
			return nil, newExecutionError(step.id, "human steps are not supported inside concurrent groups", nil)
		}

		childCtx := &StepContext{run: r, stepID: step.id}
		validatedIn, output, err := r.executeStep(ctx, step, childCtx, value)
		if err != nil {
			return nil, err
		}

		_, nextID, err := r.resolveTransition(ctx, g, step, &Transition{Input: validatedIn, Output: output, Step: childCtx})
		if err != nil {
			return nil, err
		}

		value = output
		currentID = nextID
	}

	return value, nil
}
