package model

import "time"

// Outcome classifies how one operation ended.
type Outcome string

const (
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeMissed        Outcome = "MISSED"
	OutcomeHardwareError Outcome = "HARDWARE_ERROR"
	OutcomeAborted       Outcome = "ABORTED"
)

// ReportEntry is one append-only record in the execution report,
// keyed by (assay id, operation index).
type ReportEntry struct {
	AssayID  string   `json:"assay_id"`
	OpIndex  int      `json:"op_index"`
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
	Outcome  Outcome  `json:"outcome"`

	// Detail carries the hardware error or the miss/abort reason.
	Detail string `json:"detail,omitempty"`

	// ScheduledAt is when the scheduler first evaluated the operation
	// at its program cursor.
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Slip is StartedAt minus the later of ScheduledAt and the
	// operation's not-before instant. Zero for undispatched entries.
	Slip time.Duration `json:"slip"`
}

// Ran reports whether the hardware call actually happened. A MISSED
// entry with Ran()==true was dispatched late under RUN_LATE; one with
// Ran()==false was dropped or blocked by a failed predecessor.
func (e ReportEntry) Ran() bool {
	return e.StartedAt != nil
}

// Summary aggregates a program's report entries.
type Summary struct {
	AssayID   string        `json:"assay_id"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Missed    int           `json:"missed"`
	Errored   int           `json:"errored"`
	Aborted   int           `json:"aborted"`
	MaxSlip   time.Duration `json:"max_slip"`
}
