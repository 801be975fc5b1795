package store

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/me/riffle/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun() *model.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Run{
		ID:        "run_" + uuid.NewString(),
		Label:     "ext1 turnover",
		State:     model.RunStatePending,
		Assays:    []string{"d1-ext1", "d2-ext1"},
		CreatedAt: now,
	}
}

func sampleEntry(assayID string, opIndex int) model.ReportEntry {
	sched := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	started := sched.Add(2 * time.Second)
	completed := started.Add(5 * time.Second)
	return model.ReportEntry{
		AssayID:     assayID,
		OpIndex:     opIndex,
		Resource:    model.ResourceCamera,
		Action:      model.ActionAcquire,
		Outcome:     model.OutcomeSuccess,
		Detail:      "sim/acquire_2bf.tif",
		ScheduledAt: sched,
		StartedAt:   &started,
		CompletedAt: &completed,
		Slip:        2 * time.Second,
	}
}

// --- Migration tests ---

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	// Migrate a second time; must not error.
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// --- Run CRUD tests ---

func TestCreateAndGetRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun()

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil run")
	}
	if got.ID != run.ID || got.Label != run.Label || got.State != model.RunStatePending {
		t.Errorf("run = %+v", got)
	}
	if len(got.Assays) != 2 || got.Assays[0] != "d1-ext1" {
		t.Errorf("assays = %v", got.Assays)
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, run.CreatedAt)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("pending run has timestamps: %+v", got)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetRun(context.Background(), "run_nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestUpdateRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun()
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Millisecond)
	completed := started.Add(10 * time.Minute)
	run.State = model.RunStateCompleted
	run.StartedAt = &started
	run.CompletedAt = &completed

	if err := st.UpdateRun(ctx, run); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.RunStateCompleted {
		t.Errorf("state = %q", got.State)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v", got.StartedAt)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("completed_at = %v", got.CompletedAt)
	}
}

func TestUpdateRun_NotFound(t *testing.T) {
	st := testStore(t)
	run := sampleRun()
	if err := st.UpdateRun(context.Background(), run); err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestListRuns(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first := sampleRun()
	first.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	second := sampleRun()
	for _, run := range []*model.Run{first, second} {
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	runs, err := st.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	// Newest first.
	if runs[0].ID != second.ID {
		t.Errorf("order = [%s, %s]", runs[0].ID, runs[1].ID)
	}
}

// --- Report entry tests ---

func TestAppendAndListEntries(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun()
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := st.AppendEntry(ctx, run.ID, sampleEntry("d1-ext1", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := st.AppendEntry(ctx, run.ID, sampleEntry("d2-ext1", 0)); err != nil {
		t.Fatalf("append d2: %v", err)
	}

	entries, err := st.ListEntries(ctx, run.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}

	e := entries[0]
	if e.AssayID != "d1-ext1" || e.OpIndex != 0 || e.Outcome != model.OutcomeSuccess {
		t.Errorf("entry = %+v", e)
	}
	if e.Slip != 2*time.Second {
		t.Errorf("slip = %v", e.Slip)
	}
	if e.StartedAt == nil || e.CompletedAt == nil {
		t.Fatalf("timestamps not round-tripped: %+v", e)
	}
	if !e.CompletedAt.Equal(e.StartedAt.Add(5 * time.Second)) {
		t.Errorf("completed_at = %v", e.CompletedAt)
	}

	byAssay, err := st.ListEntriesByAssay(ctx, run.ID, "d2-ext1")
	if err != nil {
		t.Fatalf("list by assay: %v", err)
	}
	if len(byAssay) != 1 || byAssay[0].AssayID != "d2-ext1" {
		t.Errorf("by assay = %+v", byAssay)
	}
}

func TestAppendEntry_DuplicateRejected(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun()
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	e := sampleEntry("d1-ext1", 0)
	if err := st.AppendEntry(ctx, run.ID, e); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := st.AppendEntry(ctx, run.ID, e); err == nil {
		t.Fatal("duplicate (run, assay, op) accepted")
	}
}

func TestListEntries_SkippedEntryHasNoTimestamps(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun()
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	skipped := model.ReportEntry{
		AssayID:     "d1-ext1",
		OpIndex:     0,
		Resource:    model.ResourceStage,
		Action:      model.ActionMove,
		Outcome:     model.OutcomeMissed,
		Detail:      "deadline exceeded, dropped",
		ScheduledAt: time.Now().UTC(),
	}
	if err := st.AppendEntry(ctx, run.ID, skipped); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := st.ListEntries(ctx, run.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Ran() {
		t.Errorf("skipped entry reports as ran: %+v", entries[0])
	}
}
