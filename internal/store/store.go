package store

import (
	"context"

	"github.com/me/riffle/pkg/model"
)

// Store defines the persistence layer for runs and their execution
// reports. The scheduler never reads any of this back; it exists for
// the daemon's API surface and post-run analysis.
type Store interface {
	// Run CRUD
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context) ([]*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error

	// Report entries, append-only
	AppendEntry(ctx context.Context, runID string, e model.ReportEntry) error
	ListEntries(ctx context.Context, runID string) ([]model.ReportEntry, error)
	ListEntriesByAssay(ctx context.Context, runID, assayID string) ([]model.ReportEntry, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
