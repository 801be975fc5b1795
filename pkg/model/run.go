package model

import "time"

// RunState is the lifecycle state of a scheduler run.
type RunState string

const (
	RunStatePending   RunState = "PENDING"
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
	RunStateAborted   RunState = "ABORTED"
)

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateAborted:
		return true
	}
	return false
}

// Run is one execution of a set of admitted programs against the rig.
// The daemon persists runs and their report entries; the scheduler
// core never reads them back.
type Run struct {
	ID          string     `json:"id"`
	Label       string     `json:"label,omitempty"`
	State       RunState   `json:"state"`
	Assays      []string   `json:"assays"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
