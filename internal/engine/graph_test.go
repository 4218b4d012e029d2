package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, sc *StepContext, input any) (any, error) {
	return input, nil
}

func constHandler(out any) Handler {
	return func(ctx context.Context, sc *StepContext, input any) (any, error) {
		return out, nil
	}
}

func branchTo(id string) BranchFunc {
	return func(ctx context.Context, t *Transition) (string, error) {
		return id, nil
	}
}

func TestGraphLinearDefaultNext(t *testing.T) {
	g, err := NewGraph().
		Then(NewStep("a", echoHandler)).
		Then(NewStep("b", echoHandler)).
		Then(NewStep("c", echoHandler)).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "a", g.EntryID())
	assert.Equal(t, []string{"a", "b", "c"}, g.Sequence())

	next, ok := g.defaultNext("a")
	require.True(t, ok)
	assert.Equal(t, "b", next)

	next, ok = g.defaultNext("b")
	require.True(t, ok)
	assert.Equal(t, "c", next)

	_, ok = g.defaultNext("c")
	assert.False(t, ok, "last step has no default next")
}

func TestGraphBranchBlockConvergence(t *testing.T) {
	// cond -> {b1: t1, b2: t2}, then d. Both targets and the condition
	// itself must converge on d by default.
	g, err := NewGraph().
		Then(NewStep("a", echoHandler)).
		Branch(
			NewStep("cond", echoHandler).WithBranchFunc(branchTo("b1")),
			map[string]*Step{
				"b1": NewStep("t1", echoHandler),
				"b2": NewStep("t2", echoHandler),
			},
		).
		Then(NewStep("d", echoHandler)).
		Build()
	require.NoError(t, err)

	// Branch targets are laid out after the condition in branch-id order.
	assert.Equal(t, []string{"a", "cond", "t1", "t2", "d"}, g.Sequence())

	for _, id := range []string{"cond", "t1", "t2"} {
		next, ok := g.defaultNext(id)
		require.True(t, ok, "default next of %s", id)
		assert.Equal(t, "d", next, "default next of %s skips the branch block", id)
	}

	targets := g.BranchTargets("cond")
	assert.Equal(t, map[string]string{"b1": "t1", "b2": "t2"}, targets)
}

func TestGraphBranchBlockAtEnd(t *testing.T) {
	g, err := NewGraph().
		Branch(
			NewStep("cond", echoHandler).WithBranchFunc(branchTo("x")),
			map[string]*Step{"x": NewStep("t", echoHandler)},
		).
		Build()
	require.NoError(t, err)

	_, ok := g.defaultNext("t")
	assert.False(t, ok, "no continuation after the block")
	_, ok = g.defaultNext("cond")
	assert.False(t, ok)
}

func TestGraphBuilderErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Graph, error)
		want  string
	}{
		{
			name:  "empty graph",
			build: func() (*Graph, error) { return NewGraph().Build() },
			want:  "at least one step",
		},
		{
			name: "duplicate step id",
			build: func() (*Graph, error) {
				return NewGraph().
					Then(NewStep("a", echoHandler)).
					Then(NewStep("a", echoHandler)).
					Build()
			},
			want: "already exists",
		},
		{
			name: "nil step",
			build: func() (*Graph, error) {
				return NewGraph().Then(nil).Build()
			},
			want: "nil step",
		},
		{
			name: "static next outside graph",
			build: func() (*Graph, error) {
				return NewGraph().
					Then(NewStep("a", echoHandler).WithNext("ghost")).
					Build()
			},
			want: "not in the graph",
		},
		{
			name: "condition without resolver",
			build: func() (*Graph, error) {
				return NewGraph().
					Branch(NewStep("cond", echoHandler), map[string]*Step{
						"x": NewStep("t", echoHandler),
					}).
					Build()
			},
			want: "branch resolver",
		},
		{
			name: "branch group without targets",
			build: func() (*Graph, error) {
				return NewGraph().
					Branch(NewStep("cond", echoHandler).WithBranchFunc(branchTo("x")), nil).
					Build()
			},
			want: "at least one branch target",
		},
		{
			name: "plain step without handler",
			build: func() (*Graph, error) {
				return NewGraph().Then(&Step{id: "a", kind: KindPlain}).Build()
			},
			want: "must have a handler",
		},
		{
			name: "loop without positive bound",
			build: func() (*Graph, error) {
				body := NewStep("body", echoHandler)
				cond := func(ctx context.Context, st *LoopState) (bool, error) { return false, nil }
				return NewGraph().Then(NewLoopStep("loop", cond, body, 0)).Build()
			},
			want: "positive maxIterations",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
