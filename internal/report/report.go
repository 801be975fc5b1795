// Package report holds the append-only execution report. The engine
// writes entries as operations resolve; the harness and HTTP surface
// read them. Nothing here feeds back into scheduling decisions.
package report

import (
	"sync"

	"github.com/me/riffle/pkg/model"
)

type key struct {
	assayID string
	index   int
}

// Log is the append-only execution report for one scheduler run.
// Appends happen from the engine's dispatch loop; reads may come from
// any goroutine, which is the only reason the mutex exists.
type Log struct {
	mu      sync.RWMutex
	entries []model.ReportEntry
	index   map[key]struct{}
	subs    map[int]chan model.ReportEntry
	nextSub int
}

// NewLog creates an empty report log.
func NewLog() *Log {
	return &Log{
		index: make(map[key]struct{}),
		subs:  make(map[int]chan model.ReportEntry),
	}
}

// Record appends one entry. Entries are keyed by (assay id, operation
// index); recording the same key twice would silently rewrite history,
// so it is reported as an invariant violation instead.
func (l *Log) Record(e model.ReportEntry) error {
	l.mu.Lock()
	k := key{assayID: e.AssayID, index: e.OpIndex}
	if _, dup := l.index[k]; dup {
		l.mu.Unlock()
		return model.Invariantf("duplicate report entry for %s[%d]", e.AssayID, e.OpIndex)
	}
	l.index[k] = struct{}{}
	l.entries = append(l.entries, e)
	for _, ch := range l.subs {
		// Non-blocking: a slow subscriber must never stall the
		// dispatch loop; it can recover missed entries from Entries().
		// Sending under the lock keeps the send ordered against
		// Subscribe's cancel, which closes the channel.
		select {
		case ch <- e:
		default:
		}
	}
	l.mu.Unlock()
	return nil
}

// Entries returns a copy of all entries in append order.
func (l *Log) Entries() []model.ReportEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.ReportEntry(nil), l.entries...)
}

// ByAssay returns the entries for one assay in append order.
func (l *Log) ByAssay(assayID string) []model.ReportEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.ReportEntry
	for _, e := range l.entries {
		if e.AssayID == assayID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Summary aggregates outcomes and slip for one assay.
func (l *Log) Summary(assayID string) model.Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Summarize(l.entries, assayID)
}

// Summarize aggregates outcomes and slip for one assay over any entry
// slice, persisted or live.
func Summarize(entries []model.ReportEntry, assayID string) model.Summary {
	s := model.Summary{AssayID: assayID}
	for _, e := range entries {
		if e.AssayID != assayID {
			continue
		}
		s.Total++
		switch e.Outcome {
		case model.OutcomeSuccess:
			s.Completed++
		case model.OutcomeMissed:
			s.Missed++
		case model.OutcomeHardwareError:
			s.Errored++
		case model.OutcomeAborted:
			s.Aborted++
		}
		if e.Slip > s.MaxSlip {
			s.MaxSlip = e.Slip
		}
	}
	return s
}

// Subscribe returns a channel receiving entries as they are recorded,
// plus a cancel function. The channel never blocks the writer: entries
// beyond the buffer are dropped for that subscriber.
func (l *Log) Subscribe(buffer int) (<-chan model.ReportEntry, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan model.ReportEntry, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}
