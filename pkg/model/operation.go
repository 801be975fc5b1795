package model

import "time"

// Action is the kind of hardware work an operation performs.
type Action string

const (
	ActionMove    Action = "MOVE"
	ActionAcquire Action = "ACQUIRE"
	ActionActuate Action = "ACTUATE"
	ActionProbe   Action = "PROBE"
)

// MissPolicy controls what happens when an operation's deadline has
// already passed at the moment it becomes dispatch-eligible.
type MissPolicy string

const (
	// MissDrop skips the operation and advances the program cursor.
	MissDrop MissPolicy = "DROP"

	// MissRunLate dispatches anyway and records the positive slip.
	MissRunLate MissPolicy = "RUN_LATE"

	// MissAbortAssay terminates the owning program immediately.
	MissAbortAssay MissPolicy = "ABORT_ASSAY"
)

// Operation is the smallest schedulable unit: one action against one
// resource. Timing fields are offsets from the program's effective
// start (run start plus the program's start offset). An operation is
// immutable once built and is consumed exactly once by the scheduler.
type Operation struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`

	// Params is an opaque payload interpreted by the hardware facade
	// (stage coordinates, channel and exposure, solenoid index, ...).
	Params map[string]any `json:"params,omitempty"`

	// EstimatedDuration is the authored estimate of how long the
	// hardware call blocks. Informational for planning; the real call
	// runs however long it runs.
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// NotBefore is the earliest permissible start offset. Zero means
	// no constraint.
	NotBefore time.Duration `json:"not_before,omitempty"`

	// Deadline is the latest acceptable completion offset. Zero means
	// no deadline; deadline-free operations rank after all
	// deadline-bearing ones.
	Deadline time.Duration `json:"deadline,omitempty"`

	OnMiss MissPolicy `json:"on_miss,omitempty"`
}

// HasDeadline reports whether the operation carries a deadline.
func (o Operation) HasDeadline() bool {
	return o.Deadline > 0
}

// AcquireMode returns the lock mode this operation requests: probes
// read shared state, everything else needs the resource exclusively.
func (o Operation) AcquireMode() LockMode {
	if o.Action == ActionProbe {
		return LockSharedRead
	}
	return LockExclusive
}
