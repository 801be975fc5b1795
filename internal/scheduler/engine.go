package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/riffle/internal/clock"
	"github.com/me/riffle/internal/lock"
	"github.com/me/riffle/internal/report"
	"github.com/me/riffle/internal/rig"
	"github.com/me/riffle/internal/telemetry"
	"github.com/me/riffle/pkg/model"
)

// Config holds engine configuration.
type Config struct {
	// Resources is the fixed resource set; empty means the default
	// rig set.
	Resources []model.ResourceClass

	// RetryInterval bounds the wait when ready operations exist but
	// every needed resource is busy.
	RetryInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Resources:     model.DefaultResources(),
		RetryInterval: 100 * time.Millisecond,
	}
}

// Engine implements Scheduler with a single-goroutine cooperative
// dispatch loop: hardware calls are synchronous and block the loop for
// their physical duration, matching hardware APIs that are not safely
// reentrant. Concurrency across assays comes from interleaving
// operations on disjoint resources, never from parallel dispatch.
type Engine struct {
	cfg     Config
	facade  rig.Facade
	clk     clock.Clock
	locks   *lock.Table
	rpt     *report.Log
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	programs map[string]*progState
	order    []string
	aborts   map[string]string
	running  bool

	runStart time.Time
}

// Option configures optional Engine dependencies.
type Option func(*Engine)

// WithMetrics attaches prometheus collectors to the engine.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine for one run against the given facade.
func New(cfg Config, facade rig.Facade, clk clock.Clock, logger *slog.Logger, opts ...Option) *Engine {
	if len(cfg.Resources) == 0 {
		cfg.Resources = model.DefaultResources()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	e := &Engine{
		cfg:      cfg,
		facade:   facade,
		clk:      clk,
		locks:    lock.NewTable(cfg.Resources, clk.Now),
		rpt:      report.NewLog(),
		logger:   logger.With("component", "scheduler"),
		programs: make(map[string]*progState),
		aborts:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// progState is the engine-private mutable cursor state of one admitted
// program. The dispatch loop is its sole mutator.
type progState struct {
	program *model.Program
	state   model.AssayState
	cursor  int

	scheduledAt []time.Time
	outcome     []model.Outcome
	ran         []bool
	completedAt []time.Time
}

func (ps *progState) op(i int) model.Operation { return ps.program.Operations[i] }

// Report exposes the run's execution report.
func (e *Engine) Report() *report.Log { return e.rpt }

// Admit registers a program for execution. It may be called before or
// during Run; admitted programs are owned by the engine from here on.
func (e *Engine) Admit(p *model.Program) error {
	if p == nil || p.AssayID == "" {
		return &AdmissionError{Reason: "program has no assay id"}
	}
	if len(p.Operations) == 0 {
		return &AdmissionError{AssayID: p.AssayID, Reason: "program has no operations"}
	}

	known := make(map[model.Resource]bool, len(e.cfg.Resources))
	for _, rc := range e.cfg.Resources {
		known[rc.Resource] = true
	}
	for i, op := range p.Operations {
		if !known[op.Resource] {
			return &AdmissionError{
				AssayID: p.AssayID,
				Reason:  fmt.Sprintf("operation %d uses unknown resource %q", i, op.Resource),
			}
		}
	}
	for idx, deps := range p.DependsOn {
		for _, dep := range deps {
			if dep < 0 || dep >= idx {
				return &AdmissionError{
					AssayID: p.AssayID,
					Reason:  fmt.Sprintf("operation %d has malformed precedence edge to %d", idx, dep),
				}
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.programs[p.AssayID]; dup {
		return &AdmissionError{AssayID: p.AssayID, Reason: "assay id already admitted"}
	}

	n := len(p.Operations)
	e.programs[p.AssayID] = &progState{
		program:     p,
		state:       model.AssayStatePending,
		scheduledAt: make([]time.Time, n),
		outcome:     make([]model.Outcome, n),
		ran:         make([]bool, n),
		completedAt: make([]time.Time, n),
	}
	e.order = append(e.order, p.AssayID)

	e.logger.Info("program admitted",
		"assay_id", p.AssayID,
		"operations", n,
		"priority", p.Priority,
		"start_offset", p.StartOffset.String(),
	)
	return nil
}

// Abort requests termination of a program. The request is applied at
// the top of the next loop iteration; an in-flight hardware call
// cannot be safely preempted and is allowed to finish first.
func (e *Engine) Abort(assayID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.programs[assayID]; !ok {
		return fmt.Errorf("assay %s not admitted", assayID)
	}
	e.aborts[assayID] = "operator abort"
	return nil
}

// Run executes the dispatch loop. It returns nil when every admitted
// program reached a terminal state, the context error on cancellation,
// or the invariant violation that halted the engine.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.runStart = e.clk.Now()
	e.logger.Info("run started", "t0", e.runStart)

	for {
		if err := ctx.Err(); err != nil {
			e.abortAll("run cancelled")
			e.logger.Info("run cancelled")
			return err
		}
		e.applyAborts()

		now := e.clk.Now()
		cands, blocked, nextWake, active := e.collect(now)

		if e.metrics != nil {
			e.metrics.SetActivePrograms(active)
		}
		if active == 0 {
			break
		}

		// Operations whose precedence predecessor failed or was
		// dropped resolve without dispatch; their resources are never
		// requested.
		if len(blocked) > 0 {
			for _, c := range blocked {
				if err := e.skip(c, now, fmt.Sprintf("predecessor %d did not complete", c.blockedOn)); err != nil {
					return e.halt(err)
				}
			}
			continue
		}

		if len(cands) == 0 {
			wait := e.cfg.RetryInterval
			if !nextWake.IsZero() {
				if d := nextWake.Sub(now); d > 0 {
					wait = d
				}
			}
			if err := e.clk.Sleep(ctx, wait); err != nil {
				e.abortAll("run cancelled")
				return err
			}
			continue
		}

		rankCandidates(cands)

		progressed, err := e.dispatchBest(ctx, cands, now)
		if err != nil {
			return e.halt(err)
		}
		if !progressed {
			// Every ready operation is parked behind a busy resource.
			if err := e.clk.Sleep(ctx, e.cfg.RetryInterval); err != nil {
				e.abortAll("run cancelled")
				return err
			}
		}
	}

	e.logger.Info("run complete", "duration", e.clk.Now().Sub(e.runStart).String())
	return nil
}

// candidate is one program's cursor operation with its absolute timing.
type candidate struct {
	ps        *progState
	idx       int
	notBefore time.Time
	deadline  time.Time
	hasDL     bool
	blockedOn int
}

func (c candidate) operation() model.Operation { return c.ps.op(c.idx) }

// states returns the admitted programs in admission order. Admit may
// run concurrently with the dispatch loop, so every map read goes
// through e.mu; the returned progState values stay loop-private.
func (e *Engine) states() []*progState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*progState, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.programs[id])
	}
	return out
}

// collect walks the admitted programs in admission order and computes
// the ready set. It also stamps scheduled_at the first time an
// operation is evaluated at its cursor, capped at the operation's
// deadline so an operation that surfaces already late carries the
// lateness it inherited, and returns the earliest not-before instant
// among not-yet-ready operations so the loop knows how long it may
// sleep.
func (e *Engine) collect(now time.Time) (cands, blocked []candidate, nextWake time.Time, active int) {
	for _, ps := range e.states() {
		if ps.state.IsTerminal() {
			continue
		}
		if ps.state == model.AssayStatePending {
			ps.state = model.AssayStateActive
		}
		active++

		i := ps.cursor
		op := ps.op(i)
		if ps.scheduledAt[i].IsZero() {
			stamp := now
			if op.HasDeadline() {
				if dl := e.offsetTime(ps, op.Deadline); dl.Before(stamp) {
					stamp = dl
				}
			}
			ps.scheduledAt[i] = stamp
		}

		c := candidate{
			ps:        ps,
			idx:       i,
			notBefore: e.offsetTime(ps, op.NotBefore),
			blockedOn: -1,
		}
		if op.HasDeadline() {
			c.hasDL = true
			c.deadline = e.offsetTime(ps, op.Deadline)
		}

		if dep, ok := e.blockedPredecessor(ps, i); ok {
			c.blockedOn = dep
			blocked = append(blocked, c)
			continue
		}

		if now.Before(c.notBefore) {
			if nextWake.IsZero() || c.notBefore.Before(nextWake) {
				nextWake = c.notBefore
			}
			continue
		}
		cands = append(cands, c)
	}
	return cands, blocked, nextWake, active
}

// offsetTime converts a program-relative offset to an absolute instant.
func (e *Engine) offsetTime(ps *progState, d time.Duration) time.Time {
	return e.runStart.Add(ps.program.StartOffset + d)
}

// blockedPredecessor returns the index of a precedence predecessor
// that resolved without completing its hardware call, if any. Cursor
// ordering guarantees every predecessor has already resolved one way
// or the other.
func (e *Engine) blockedPredecessor(ps *progState, i int) (int, bool) {
	for _, dep := range ps.program.DependsOn[i] {
		switch ps.outcome[dep] {
		case model.OutcomeSuccess:
		case model.OutcomeMissed:
			if !ps.ran[dep] {
				return dep, true
			}
		default:
			return dep, true
		}
	}
	return -1, false
}

// rankCandidates orders the ready set: earliest deadline first,
// deadline-free operations last, ties broken by higher priority, then
// by assay id for determinism.
func rankCandidates(cands []candidate) {
	sort.SliceStable(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.hasDL != cb.hasDL {
			return ca.hasDL
		}
		if ca.hasDL && !ca.deadline.Equal(cb.deadline) {
			return ca.deadline.Before(cb.deadline)
		}
		if ca.ps.program.Priority != cb.ps.program.Priority {
			return ca.ps.program.Priority > cb.ps.program.Priority
		}
		return ca.ps.program.AssayID < cb.ps.program.AssayID
	})
}

// dispatchBest walks the ranked ready set and executes the first
// operation whose resource can be leased. Operations parked behind a
// busy resource are passed over, which is what lets programs leapfrog
// each other on disjoint resources. Returns whether any program state
// advanced; a non-nil error is an invariant violation.
func (e *Engine) dispatchBest(ctx context.Context, cands []candidate, now time.Time) (bool, error) {
	for _, c := range cands {
		op := c.operation()
		late := c.hasDL && now.After(c.deadline)

		if late {
			switch op.OnMiss {
			case model.MissDrop:
				if err := e.skip(c, now, "deadline exceeded, dropped"); err != nil {
					return false, err
				}
				return true, nil
			case model.MissAbortAssay:
				if err := e.skip(c, now, "deadline exceeded, assay aborted"); err != nil {
					return false, err
				}
				if err := e.abortRemaining(c.ps, "deadline missed", model.AssayStateAborted); err != nil {
					return false, err
				}
				return true, nil
			}
			// Default policy is RUN_LATE: dispatch anyway and record
			// the miss with its slip.
		}

		assayID := c.ps.program.AssayID
		if err := e.locks.TryAcquire(op.Resource, assayID, op.AcquireMode()); err != nil {
			var denied *lock.DeniedError
			if errors.As(err, &denied) {
				if e.metrics != nil {
					e.metrics.LockDenied(string(op.Resource))
				}
				continue
			}
			return false, err
		}

		if err := e.dispatch(ctx, c, late); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// dispatch performs the hardware call for a leased operation, records
// its outcome, releases the lease, and advances the program.
func (e *Engine) dispatch(ctx context.Context, c candidate, late bool) error {
	ps := c.ps
	op := c.operation()
	assayID := ps.program.AssayID

	started := e.clk.Now()
	slip := started.Sub(maxTime(ps.scheduledAt[c.idx], c.notBefore))
	if slip < 0 {
		slip = 0
	}

	if e.metrics != nil {
		e.metrics.OpDispatched(string(op.Action))
		e.metrics.ObserveSlip(slip.Seconds())
	}
	e.logger.Debug("dispatching",
		"assay_id", assayID,
		"op", c.idx,
		"action", op.Action,
		"resource", op.Resource,
		"late", late,
	)

	detail, hwErr := rig.Do(ctx, e.facade, op)
	completed := e.clk.Now()

	if err := e.locks.Release(op.Resource, assayID); err != nil {
		return err
	}

	entry := model.ReportEntry{
		AssayID:     assayID,
		OpIndex:     c.idx,
		Resource:    op.Resource,
		Action:      op.Action,
		ScheduledAt: ps.scheduledAt[c.idx],
		StartedAt:   &started,
		CompletedAt: &completed,
		Slip:        slip,
		Detail:      detail,
	}
	switch {
	case hwErr != nil:
		entry.Outcome = model.OutcomeHardwareError
		entry.Detail = hwErr.Error()
	case late:
		entry.Outcome = model.OutcomeMissed
	default:
		entry.Outcome = model.OutcomeSuccess
	}

	if err := e.record(entry); err != nil {
		return err
	}
	ps.outcome[c.idx] = entry.Outcome
	ps.ran[c.idx] = true
	ps.completedAt[c.idx] = completed
	ps.cursor++

	if hwErr != nil {
		e.logger.Warn("hardware error",
			"assay_id", assayID,
			"op", c.idx,
			"action", op.Action,
			"error", hwErr,
		)
		if ps.program.OnError != model.ErrorContinue {
			return e.abortRemaining(ps, "hardware error", model.AssayStateFailed)
		}
	}

	e.finishIfExhausted(ps)
	return nil
}

// skip resolves an operation as MISSED without dispatching it and
// advances the cursor.
func (e *Engine) skip(c candidate, now time.Time, reason string) error {
	ps := c.ps
	entry := model.ReportEntry{
		AssayID:     ps.program.AssayID,
		OpIndex:     c.idx,
		Resource:    c.operation().Resource,
		Action:      c.operation().Action,
		Outcome:     model.OutcomeMissed,
		Detail:      reason,
		ScheduledAt: ps.scheduledAt[c.idx],
	}
	if err := e.record(entry); err != nil {
		return err
	}
	e.logger.Info("operation skipped",
		"assay_id", ps.program.AssayID,
		"op", c.idx,
		"reason", reason,
	)
	ps.outcome[c.idx] = model.OutcomeMissed
	ps.completedAt[c.idx] = now
	ps.cursor++
	e.finishIfExhausted(ps)
	return nil
}

// abortRemaining marks every unresolved operation of the program
// ABORTED, releases any leases it still holds, and moves the program
// to the given terminal state. The aborted operations' resources are
// never requested.
func (e *Engine) abortRemaining(ps *progState, reason string, state model.AssayState) error {
	now := e.clk.Now()
	for i := ps.cursor; i < ps.program.Len(); i++ {
		sched := ps.scheduledAt[i]
		if sched.IsZero() {
			sched = now
		}
		op := ps.op(i)
		entry := model.ReportEntry{
			AssayID:     ps.program.AssayID,
			OpIndex:     i,
			Resource:    op.Resource,
			Action:      op.Action,
			Outcome:     model.OutcomeAborted,
			Detail:      reason,
			ScheduledAt: sched,
		}
		if err := e.record(entry); err != nil {
			return err
		}
		ps.outcome[i] = model.OutcomeAborted
		ps.completedAt[i] = now
	}
	ps.cursor = ps.program.Len()
	ps.state = state
	e.locks.ReleaseAll(ps.program.AssayID)

	e.logger.Info("program terminated",
		"assay_id", ps.program.AssayID,
		"state", string(state),
		"reason", reason,
	)
	return nil
}

// finishIfExhausted completes a program whose cursor ran off the end.
func (e *Engine) finishIfExhausted(ps *progState) {
	if ps.cursor < ps.program.Len() || ps.state.IsTerminal() {
		return
	}
	ps.state = model.AssayStateCompleted
	e.logger.Info("program completed", "assay_id", ps.program.AssayID)
}

// applyAborts terminates programs with pending abort requests.
func (e *Engine) applyAborts() {
	e.mu.Lock()
	pending := e.aborts
	e.aborts = make(map[string]string)
	e.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	for _, ps := range e.states() {
		reason, ok := pending[ps.program.AssayID]
		if !ok || ps.state.IsTerminal() {
			continue
		}
		// abortRemaining only errors on duplicate report entries,
		// which cannot happen for unresolved indexes.
		if err := e.abortRemaining(ps, reason, model.AssayStateAborted); err != nil {
			e.logger.Error("abort failed", "assay_id", ps.program.AssayID, "error", err)
		}
	}
}

// abortAll terminates every non-terminal program, used when the run
// context is cancelled.
func (e *Engine) abortAll(reason string) {
	for _, ps := range e.states() {
		if ps.state.IsTerminal() {
			continue
		}
		if err := e.abortRemaining(ps, reason, model.AssayStateAborted); err != nil {
			e.logger.Error("abort failed", "assay_id", ps.program.AssayID, "error", err)
		}
	}
}

// record appends a report entry; a failure here is a logic defect.
func (e *Engine) record(entry model.ReportEntry) error {
	if err := e.rpt.Record(entry); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.OpOutcome(string(entry.Outcome))
	}
	return nil
}

// halt stops the engine on an invariant violation.
func (e *Engine) halt(err error) error {
	e.logger.Error("engine halted", "error", err)
	return fmt.Errorf("scheduler halted: %w", err)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
