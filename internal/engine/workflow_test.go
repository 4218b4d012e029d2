package engine

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowBuilderAccumulatesErrors(t *testing.T) {
	_, err := NewWorkflow("").
		Then(NewStep("a", echoHandler)).
		Then(NewStep("a", echoHandler)).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must have an id")
	assert.Contains(t, err.Error(), "already exists")
}

func TestWorkflowBuilderMinimal(t *testing.T) {
	wf, err := NewWorkflow("minimal").
		WithDescription("one step").
		Then(NewStep("only", echoHandler)).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "minimal", wf.ID())
	assert.Equal(t, "one step", wf.Description())
	assert.Equal(t, "only", wf.Graph().EntryID())
}

func TestWorkflowNewRunDefaults(t *testing.T) {
	wf, err := NewWorkflow("defaults").Then(NewStep("a", echoHandler)).Build()
	require.NoError(t, err)

	run := wf.NewRun()
	assert.Equal(t, StatusCreated, run.Status())
	assert.False(t, run.ID().IsZero())
	assert.Equal(t, "defaults", run.WorkflowID())
	assert.Nil(t, run.PendingHuman())

	other := wf.NewRun()
	assert.NotEqual(t, run.ID(), other.ID())
}

func TestWorkflowRunOptions(t *testing.T) {
	wf, err := NewWorkflow("optioned").
		WithDefaultMetadata(map[string]any{"origin": "default"}).
		Then(NewStep("a", echoHandler)).
		Build()
	require.NoError(t, err)

	var events int
	run := wf.NewRun(
		WithRunMetadata(map[string]any{"origin": "override"}),
		WithWatcher(func(Event) { events++ }),
		WithRunLogger(slog.Default()),
	)

	result, err := run.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "override", result.Metadata["origin"])
	assert.Greater(t, events, 0)
}

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusCreated, false},
		{StatusRunning, false},
		{StatusWaitingHuman, false},
		{StatusSuccess, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}
