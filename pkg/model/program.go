package model

import (
	"fmt"
	"time"
)

// ErrorPolicy controls how a program reacts to a hardware error on one
// of its operations.
type ErrorPolicy string

const (
	// ErrorAbortProgram aborts the owning program; sibling programs
	// are unaffected. This is the default.
	ErrorAbortProgram ErrorPolicy = "ABORT_PROGRAM"

	// ErrorContinue records the failure and advances the cursor.
	ErrorContinue ErrorPolicy = "CONTINUE"
)

// AssayState is the lifecycle state of an admitted program.
type AssayState string

const (
	AssayStatePending   AssayState = "PENDING"
	AssayStateActive    AssayState = "ACTIVE"
	AssayStateCompleted AssayState = "COMPLETED"
	AssayStateAborted   AssayState = "ABORTED"
	AssayStateFailed    AssayState = "FAILED"
)

// IsTerminal returns true if the program is in a final state.
func (s AssayState) IsTerminal() bool {
	switch s {
	case AssayStateCompleted, AssayStateAborted, AssayStateFailed:
		return true
	}
	return false
}

// Program is one assay: an ordered sequence of operations with
// optional precedence edges between them. Once admitted the scheduler
// owns it exclusively; callers must not mutate it afterwards.
type Program struct {
	AssayID  string `json:"assay_id"`
	Device   string `json:"device,omitempty"`
	Priority int    `json:"priority"`

	// StartOffset delays the whole program relative to run start.
	// The riffle planner sets this to stagger kinetic series.
	StartOffset time.Duration `json:"start_offset,omitempty"`

	OnError ErrorPolicy `json:"on_error,omitempty"`

	Operations []Operation `json:"operations"`

	// DependsOn holds, per operation index, the indexes of earlier
	// operations that must have completed before it may start. Built
	// only through the Builder, which rejects forward references.
	DependsOn map[int][]int `json:"depends_on,omitempty"`
}

// Len returns the number of operations in the program.
func (p *Program) Len() int { return len(p.Operations) }

// Builder assembles a Program one operation at a time, validating
// precedence edges as they are added.
type Builder struct {
	p Program
}

// NewProgram starts a builder for the given assay identity.
func NewProgram(assayID string, priority int) *Builder {
	return &Builder{p: Program{
		AssayID:   assayID,
		Priority:  priority,
		OnError:   ErrorAbortProgram,
		DependsOn: make(map[int][]int),
	}}
}

// Device records the physical device the assay runs on.
func (b *Builder) Device(name string) *Builder {
	b.p.Device = name
	return b
}

// OnError sets the program's hardware-error policy.
func (b *Builder) OnError(policy ErrorPolicy) *Builder {
	b.p.OnError = policy
	return b
}

// StartOffset delays the program relative to run start.
func (b *Builder) StartOffset(d time.Duration) *Builder {
	b.p.StartOffset = d
	return b
}

// Append adds an operation and returns its index.
func (b *Builder) Append(op Operation) int {
	b.p.Operations = append(b.p.Operations, op)
	return len(b.p.Operations) - 1
}

// AppendWithPrecedence adds an operation that may start only after the
// listed earlier operations have completed. Indexes must refer to
// operations already present; forward references are rejected here so
// precedence cycles cannot be constructed at all.
func (b *Builder) AppendWithPrecedence(op Operation, dependsOn ...int) (int, error) {
	next := len(b.p.Operations)
	for _, dep := range dependsOn {
		if dep < 0 || dep >= next {
			return 0, fmt.Errorf("operation %d: precedence index %d not yet appended", next, dep)
		}
	}
	idx := b.Append(op)
	if len(dependsOn) > 0 {
		b.p.DependsOn[idx] = append([]int(nil), dependsOn...)
	}
	return idx, nil
}

// Build finalizes the program.
func (b *Builder) Build() (*Program, error) {
	if b.p.AssayID == "" {
		return nil, fmt.Errorf("program has no assay id")
	}
	if len(b.p.Operations) == 0 {
		return nil, fmt.Errorf("program %s has no operations", b.p.AssayID)
	}
	p := b.p
	if len(p.DependsOn) == 0 {
		p.DependsOn = nil
	}
	return &p, nil
}
