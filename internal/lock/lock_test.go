package lock

import (
	"errors"
	"testing"
	"time"

	"github.com/me/riffle/pkg/model"
)

func newTestTable() *Table {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return NewTable(model.DefaultResources(), func() time.Time { return at })
}

func TestTable_ExclusiveMutualExclusion(t *testing.T) {
	tbl := newTestTable()

	if err := tbl.TryAcquire(model.ResourceStage, "a", model.LockExclusive); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if tbl.IsFree(model.ResourceStage) {
		t.Error("stage reported free while held")
	}

	err := tbl.TryAcquire(model.ResourceStage, "b", model.LockExclusive)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("second acquire = %v, want DeniedError", err)
	}
	if denied.Holder != "a" {
		t.Errorf("denied.Holder = %q, want %q", denied.Holder, "a")
	}

	if err := tbl.Release(model.ResourceStage, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := tbl.TryAcquire(model.ResourceStage, "b", model.LockExclusive); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestTable_SharedReaders(t *testing.T) {
	tbl := newTestTable()

	if err := tbl.TryAcquire(model.ResourceProbe, "a", model.LockSharedRead); err != nil {
		t.Fatalf("reader a: %v", err)
	}
	if err := tbl.TryAcquire(model.ResourceProbe, "b", model.LockSharedRead); err != nil {
		t.Fatalf("reader b: %v", err)
	}

	// Exclusive acquisition must wait for all readers.
	var denied *DeniedError
	if err := tbl.TryAcquire(model.ResourceProbe, "c", model.LockExclusive); !errors.As(err, &denied) {
		t.Fatalf("exclusive over readers = %v, want DeniedError", err)
	}

	if err := tbl.Release(model.ResourceProbe, "a"); err != nil {
		t.Fatalf("release a: %v", err)
	}
	if err := tbl.Release(model.ResourceProbe, "b"); err != nil {
		t.Fatalf("release b: %v", err)
	}
	if err := tbl.TryAcquire(model.ResourceProbe, "c", model.LockExclusive); err != nil {
		t.Fatalf("exclusive after readers gone: %v", err)
	}

	// And no readers may join while an exclusive holder exists.
	if err := tbl.TryAcquire(model.ResourceProbe, "d", model.LockSharedRead); !errors.As(err, &denied) {
		t.Fatalf("reader over exclusive = %v, want DeniedError", err)
	}
}

func TestTable_InvariantViolations(t *testing.T) {
	tbl := newTestTable()
	var inv *model.InvariantError

	// Releasing an unheld lease is a programming error, not a denial.
	if err := tbl.Release(model.ResourceStage, "a"); !errors.As(err, &inv) {
		t.Errorf("release unheld = %v, want InvariantError", err)
	}

	// Shared acquisition of an exclusive-class resource.
	if err := tbl.TryAcquire(model.ResourceStage, "a", model.LockSharedRead); !errors.As(err, &inv) {
		t.Errorf("shared acquire of stage = %v, want InvariantError", err)
	}

	// Unknown resource.
	if err := tbl.TryAcquire(model.Resource("laser"), "a", model.LockExclusive); !errors.As(err, &inv) {
		t.Errorf("unknown resource = %v, want InvariantError", err)
	}

	// Double acquisition by the same assay.
	if err := tbl.TryAcquire(model.ResourceCamera, "a", model.LockExclusive); err != nil {
		t.Fatalf("acquire camera: %v", err)
	}
	if err := tbl.TryAcquire(model.ResourceCamera, "a", model.LockExclusive); !errors.As(err, &inv) {
		t.Errorf("re-acquire = %v, want InvariantError", err)
	}

	// Releasing a lease held by someone else.
	if err := tbl.Release(model.ResourceCamera, "b"); !errors.As(err, &inv) {
		t.Errorf("release other's lease = %v, want InvariantError", err)
	}
}

func TestTable_ReleaseAll(t *testing.T) {
	tbl := newTestTable()

	if err := tbl.TryAcquire(model.ResourceStage, "a", model.LockExclusive); err != nil {
		t.Fatalf("acquire stage: %v", err)
	}
	if err := tbl.TryAcquire(model.ResourceProbe, "a", model.LockSharedRead); err != nil {
		t.Fatalf("acquire probe: %v", err)
	}

	tbl.ReleaseAll("a")

	if !tbl.IsFree(model.ResourceStage) {
		t.Error("stage still held after ReleaseAll")
	}
	if !tbl.IsFree(model.ResourceProbe) {
		t.Error("probe still held after ReleaseAll")
	}

	// ReleaseAll on an assay holding nothing is a no-op.
	tbl.ReleaseAll("b")
}

func TestTable_Holder(t *testing.T) {
	tbl := newTestTable()
	if _, held := tbl.Holder(model.ResourceStage); held {
		t.Fatal("Holder reported a holder on a free resource")
	}
	if err := tbl.TryAcquire(model.ResourceStage, "a", model.LockExclusive); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if id, held := tbl.Holder(model.ResourceStage); !held || id != "a" {
		t.Errorf("Holder = (%q, %v), want (a, true)", id, held)
	}
}
