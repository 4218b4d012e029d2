package engine

import (
	"time"

	"github.com/loom-run/loom/internal/types"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusCreated      Status = "created"
	StatusRunning      Status = "running"
	StatusSuccess      Status = "success"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusWaitingHuman Status = "waiting_human"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the status ends the run for good. A run
// waiting on human input is suspended, not terminal: it may still resume.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the recorded outcome of one step attempt.
type StepStatus string

const (
	StepStatusSuccess      StepStatus = "success"
	StepStatusFailed       StepStatus = "failed"
	StepStatusWaitingHuman StepStatus = "waiting_human"
)

// Snapshot records one attempt at a step. Loops and resumption revisit the
// same step id, so a run keeps an ordered list of snapshots per id;
// Occurrence is the 1-based visit count at the time of the attempt.
type Snapshot struct {
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	Input      any        `json:"input,omitempty"`
	Output     any        `json:"output,omitempty"`
	Error      *Error     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
	Occurrence int        `json:"occurrence"`
	BranchID   string     `json:"branch_id,omitempty"`
	NextID     string     `json:"next_id,omitempty"`
}

// PendingHumanTask describes a suspended run awaiting external input.
type PendingHumanTask struct {
	RunID       types.ID  `json:"run_id"`
	WorkflowID  string    `json:"workflow_id"`
	StepID      string    `json:"step_id"`
	Form        any       `json:"form,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// RunResult is the outcome of Start, Stream, or ResumeWithHumanInput.
// On success Output holds the finalized, output-validated value; on failure
// Error holds the causal engine error; on waiting_human Pending describes
// the suspension. Steps, Metadata, Context, and the timestamps are always
// populated.
type RunResult struct {
	WorkflowID string                 `json:"workflow_id"`
	RunID      types.ID               `json:"run_id"`
	Status     Status                 `json:"status"`
	Output     any                    `json:"output,omitempty"`
	Error      *Error                 `json:"error,omitempty"`
	Steps      map[string][]*Snapshot `json:"steps"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
	Context    any                    `json:"context,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at,omitzero"`
	Pending    *PendingHumanTask      `json:"pending,omitempty"`
}
