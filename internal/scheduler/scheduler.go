package scheduler

import (
	"context"
	"fmt"

	"github.com/me/riffle/internal/report"
	"github.com/me/riffle/pkg/model"
)

// Scheduler admits assay programs and executes their hardware
// operations against one rig, arbitrating the shared resources.
type Scheduler interface {
	// Admit registers a program. Rejections are *AdmissionError.
	Admit(p *model.Program) error

	// Abort requests termination of one program at the next loop
	// iteration. An in-flight hardware call is never interrupted.
	Abort(assayID string) error

	// Run executes the dispatch loop until every admitted program is
	// terminal, the context is cancelled, or an invariant violation
	// stops the engine.
	Run(ctx context.Context) error

	// Report exposes the run's execution report for read-only access.
	Report() *report.Log
}

// AdmissionError reports why Admit rejected a program. Rejection is
// synchronous and non-fatal to the scheduler.
type AdmissionError struct {
	AssayID string
	Reason  string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("program %s rejected: %s", e.AssayID, e.Reason)
}
