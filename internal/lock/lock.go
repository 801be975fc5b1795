// Package lock implements the lease table arbitrating exclusive and
// shared-read access to rig resources. All mutation happens inside the
// scheduler's dispatch loop, so the table itself carries no mutex; the
// loop's sequential execution is the synchronization point.
package lock

import (
	"fmt"
	"time"

	"github.com/me/riffle/pkg/model"
)

// Lease records the current exclusive holder of a resource.
type Lease struct {
	AssayID    string
	AcquiredAt time.Time
}

// DeniedError is returned by TryAcquire when the resource is busy.
// It is an ordinary scheduling condition, not a failure: the caller
// moves on to the next ready operation.
type DeniedError struct {
	Resource model.Resource
	Holder   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("resource %s busy (held by %s)", e.Resource, e.Holder)
}

// Table is the lease table over the fixed resource set.
type Table struct {
	classes   map[model.Resource]model.LockMode
	exclusive map[model.Resource]*Lease
	shared    map[model.Resource]map[string]time.Time
	now       func() time.Time
}

// NewTable creates a lease table for the given resource classes.
// now supplies lease timestamps; nil means time.Now.
func NewTable(resources []model.ResourceClass, now func() time.Time) *Table {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	t := &Table{
		classes:   make(map[model.Resource]model.LockMode, len(resources)),
		exclusive: make(map[model.Resource]*Lease),
		shared:    make(map[model.Resource]map[string]time.Time),
		now:       now,
	}
	for _, rc := range resources {
		t.classes[rc.Resource] = rc.Mode
	}
	return t
}

// TryAcquire attempts to take a lease on the resource for the assay.
// A nil return means granted. A *DeniedError means the resource is
// busy. A *model.InvariantError means the request itself is malformed
// (unknown resource, shared acquisition of an exclusive-class
// resource, double acquisition by the same assay) and is fatal.
func (t *Table) TryAcquire(r model.Resource, assayID string, mode model.LockMode) error {
	class, ok := t.classes[r]
	if !ok {
		return model.Invariantf("acquire of unknown resource %q by %s", r, assayID)
	}
	if mode == model.LockSharedRead && class == model.LockExclusive {
		return model.Invariantf("shared acquire of exclusive resource %s by %s", r, assayID)
	}

	if lease := t.exclusive[r]; lease != nil {
		if lease.AssayID == assayID {
			return model.Invariantf("assay %s re-acquired resource %s", assayID, r)
		}
		return &DeniedError{Resource: r, Holder: lease.AssayID}
	}

	readers := t.shared[r]
	if mode == model.LockExclusive {
		if len(readers) > 0 {
			return &DeniedError{Resource: r, Holder: anyReader(readers)}
		}
		t.exclusive[r] = &Lease{AssayID: assayID, AcquiredAt: t.now()}
		return nil
	}

	if _, held := readers[assayID]; held {
		return model.Invariantf("assay %s re-acquired shared resource %s", assayID, r)
	}
	if readers == nil {
		readers = make(map[string]time.Time)
		t.shared[r] = readers
	}
	readers[assayID] = t.now()
	return nil
}

// Release returns the assay's lease on the resource. Releasing a lease
// the assay does not hold is a programming error and reported as an
// invariant violation.
func (t *Table) Release(r model.Resource, assayID string) error {
	if _, ok := t.classes[r]; !ok {
		return model.Invariantf("release of unknown resource %q by %s", r, assayID)
	}
	if lease := t.exclusive[r]; lease != nil {
		if lease.AssayID != assayID {
			return model.Invariantf("assay %s released resource %s held by %s", assayID, r, lease.AssayID)
		}
		delete(t.exclusive, r)
		return nil
	}
	if readers := t.shared[r]; readers != nil {
		if _, held := readers[assayID]; held {
			delete(readers, assayID)
			return nil
		}
	}
	return model.Invariantf("assay %s released unheld resource %s", assayID, r)
}

// ReleaseAll drops every lease the assay holds. Used when a program
// aborts; holding nothing is fine.
func (t *Table) ReleaseAll(assayID string) {
	for r, lease := range t.exclusive {
		if lease.AssayID == assayID {
			delete(t.exclusive, r)
		}
	}
	for _, readers := range t.shared {
		delete(readers, assayID)
	}
}

// IsFree reports whether the resource has no holder at all.
func (t *Table) IsFree(r model.Resource) bool {
	if t.exclusive[r] != nil {
		return false
	}
	return len(t.shared[r]) == 0
}

// Holder returns the exclusive holder of the resource, if any.
func (t *Table) Holder(r model.Resource) (string, bool) {
	if lease := t.exclusive[r]; lease != nil {
		return lease.AssayID, true
	}
	return "", false
}

func anyReader(readers map[string]time.Time) string {
	for id := range readers {
		return id
	}
	return ""
}
