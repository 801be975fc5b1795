package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/riffle/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Run CRUD ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	assaysJSON, err := json.Marshal(run.Assays)
	if err != nil {
		return fmt.Errorf("marshal assays: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, label, state, assays, error, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Label, string(run.State), string(assaysJSON), run.Error,
		run.CreatedAt.Format(time.RFC3339Nano),
		optTime(run.StartedAt), optTime(run.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)
	return s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, label, state, assays, error, created_at, started_at, completed_at
		 FROM runs WHERE id = ?`, id))
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]*model.Run, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, state, assays, error, created_at, started_at, completed_at
		 FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET label=?, state=?, error=?, started_at=?, completed_at=? WHERE id=?`,
		run.Label, string(run.State), run.Error,
		optTime(run.StartedAt), optTime(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

// --- Report entries ---

func (s *SQLiteStore) AppendEntry(ctx context.Context, runID string, e model.ReportEntry) error {
	s.logger.Debug("sql", "op", "insert", "table", "report_entries",
		"run_id", runID, "assay_id", e.AssayID, "op_index", e.OpIndex)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO report_entries (run_id, assay_id, op_index, resource, action,
		 outcome, detail, scheduled_at, started_at, completed_at, slip_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.AssayID, e.OpIndex, string(e.Resource), string(e.Action),
		string(e.Outcome), e.Detail, e.ScheduledAt.Format(time.RFC3339Nano),
		optTime(e.StartedAt), optTime(e.CompletedAt), int64(e.Slip),
	)
	return err
}

func (s *SQLiteStore) ListEntries(ctx context.Context, runID string) ([]model.ReportEntry, error) {
	s.logger.Debug("sql", "op", "list", "table", "report_entries", "run_id", runID)

	return s.queryEntries(ctx,
		`SELECT assay_id, op_index, resource, action, outcome, detail,
		 scheduled_at, started_at, completed_at, slip_ns
		 FROM report_entries WHERE run_id = ? ORDER BY rowid`, runID)
}

func (s *SQLiteStore) ListEntriesByAssay(ctx context.Context, runID, assayID string) ([]model.ReportEntry, error) {
	s.logger.Debug("sql", "op", "list_by_assay", "table", "report_entries",
		"run_id", runID, "assay_id", assayID)

	return s.queryEntries(ctx,
		`SELECT assay_id, op_index, resource, action, outcome, detail,
		 scheduled_at, started_at, completed_at, slip_ns
		 FROM report_entries WHERE run_id = ? AND assay_id = ? ORDER BY rowid`,
		runID, assayID)
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var state, assaysJSON, createdAt string
	var startedAt, completedAt *string

	err := row.Scan(&run.ID, &run.Label, &state, &assaysJSON, &run.Error,
		&createdAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.State = model.RunState(state)
	if err := json.Unmarshal([]byte(assaysJSON), &run.Assays); err != nil {
		return nil, fmt.Errorf("unmarshal assays: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.StartedAt = parseOptTime(startedAt)
	run.CompletedAt = parseOptTime(completedAt)

	return &run, nil
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]model.ReportEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.ReportEntry
	for rows.Next() {
		var e model.ReportEntry
		var resource, action, outcome, scheduledAt string
		var startedAt, completedAt *string
		var slipNS int64

		if err := rows.Scan(&e.AssayID, &e.OpIndex, &resource, &action, &outcome,
			&e.Detail, &scheduledAt, &startedAt, &completedAt, &slipNS); err != nil {
			return nil, err
		}

		e.Resource = model.Resource(resource)
		e.Action = model.Action(action)
		e.Outcome = model.Outcome(outcome)
		e.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
		e.StartedAt = parseOptTime(startedAt)
		e.CompletedAt = parseOptTime(completedAt)
		e.Slip = time.Duration(slipNS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseOptTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, _ := time.Parse(time.RFC3339Nano, *s)
	return &t
}
