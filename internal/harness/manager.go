// Package harness owns the lifecycle of scheduler runs inside the
// daemon: it expands a manifest into programs, builds an engine over a
// rig facade, executes the run in a background goroutine, and persists
// report entries to the store as they append.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/riffle/internal/clock"
	"github.com/me/riffle/internal/config"
	"github.com/me/riffle/internal/rig"
	"github.com/me/riffle/internal/scheduler"
	"github.com/me/riffle/internal/store"
	"github.com/me/riffle/internal/telemetry"
	"github.com/me/riffle/pkg/model"
)

// FacadeFactory builds the rig facade and clock for one run. The
// default factory pairs a simulated rig with a virtual clock, so runs
// resolve deterministically without hardware; a real driver plugs in
// here.
type FacadeFactory func(est rig.Durations, logger *slog.Logger) (rig.Facade, clock.Clock)

// SimFactory is the default FacadeFactory.
func SimFactory(est rig.Durations, logger *slog.Logger) (rig.Facade, clock.Clock) {
	clk := clock.NewVirtual(time.Now().UTC())
	return rig.NewSim(clk, est, logger), clk
}

// Manager starts, tracks, and aborts runs.
type Manager struct {
	store   store.Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
	facades FacadeFactory

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	engine *scheduler.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures optional Manager dependencies.
type Option func(*Manager)

// WithMetrics attaches scheduler metrics to every run's engine.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithFacadeFactory overrides how run facades are built.
func WithFacadeFactory(f FacadeFactory) Option {
	return func(mgr *Manager) { mgr.facades = f }
}

// New creates a run manager backed by the given store.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		logger:  logger.With("component", "harness"),
		facades: SimFactory,
		active:  make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartRun expands the manifest, persists a new run record, and kicks
// off execution in the background. It returns as soon as the run is
// admitted; progress lands in the store.
func (m *Manager) StartRun(manifest *config.Manifest) (*model.Run, error) {
	programs, err := manifest.Programs()
	if err != nil {
		return nil, fmt.Errorf("expanding manifest: %w", err)
	}

	assays := make([]string, len(programs))
	for i, p := range programs {
		assays[i] = p.AssayID
	}
	run := &model.Run{
		ID:        "run_" + uuid.NewString(),
		Label:     manifest.Label,
		State:     model.RunStatePending,
		Assays:    assays,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateRun(context.Background(), run); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}

	facade, clk := m.facades(manifest.Rig.Estimates(), m.logger)
	var opts []scheduler.Option
	if m.metrics != nil {
		opts = append(opts, scheduler.WithMetrics(m.metrics))
	}
	engine := scheduler.New(scheduler.DefaultConfig(), facade, clk, m.logger, opts...)
	for _, p := range programs {
		if err := engine.Admit(p); err != nil {
			run.State = model.RunStateFailed
			run.Error = err.Error()
			if uerr := m.store.UpdateRun(context.Background(), run); uerr != nil {
				m.logger.Error("updating run failed", "run_id", run.ID, "error", uerr)
			}
			return nil, fmt.Errorf("admitting %s: %w", p.AssayID, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{engine: engine, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.active[run.ID] = ar
	m.mu.Unlock()

	// The execute goroutine keeps mutating run as it moves through
	// states; callers get a snapshot they can read and marshal freely.
	snapshot := *run
	go m.execute(ctx, run, ar)
	return &snapshot, nil
}

// execute drives one run to completion and keeps the store current.
func (m *Manager) execute(ctx context.Context, run *model.Run, ar *activeRun) {
	defer close(ar.done)
	defer ar.cancel()

	entries, cancelSub := ar.engine.Report().Subscribe(1024)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		for e := range entries {
			if err := m.store.AppendEntry(context.Background(), run.ID, e); err != nil {
				m.logger.Error("persisting report entry failed",
					"run_id", run.ID,
					"assay_id", e.AssayID,
					"op_index", e.OpIndex,
					"error", err,
				)
			}
		}
	}()

	started := time.Now().UTC()
	run.State = model.RunStateRunning
	run.StartedAt = &started
	if err := m.store.UpdateRun(context.Background(), run); err != nil {
		m.logger.Error("updating run failed", "run_id", run.ID, "error", err)
	}
	m.logger.Info("run started", "run_id", run.ID, "assays", len(run.Assays))

	err := ar.engine.Run(ctx)

	cancelSub()
	<-persistDone

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	switch {
	case err == nil:
		run.State = model.RunStateCompleted
	case ctx.Err() != nil:
		run.State = model.RunStateAborted
		run.Error = "run aborted"
	default:
		run.State = model.RunStateFailed
		run.Error = err.Error()
	}
	if err := m.store.UpdateRun(context.Background(), run); err != nil {
		m.logger.Error("updating run failed", "run_id", run.ID, "error", err)
	}

	m.mu.Lock()
	delete(m.active, run.ID)
	m.mu.Unlock()

	m.logger.Info("run finished", "run_id", run.ID, "state", string(run.State))
}

// AbortAssay requests termination of one assay in a live run.
func (m *Manager) AbortAssay(runID, assayID string) error {
	m.mu.Lock()
	ar, ok := m.active[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not active", runID)
	}
	return ar.engine.Abort(assayID)
}

// AbortRun cancels an entire live run.
func (m *Manager) AbortRun(runID string) error {
	m.mu.Lock()
	ar, ok := m.active[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not active", runID)
	}
	ar.cancel()
	return nil
}

// IsActive reports whether the run is still executing.
func (m *Manager) IsActive(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[runID]
	return ok
}

// Wait blocks until the run finishes. Intended for tests and the
// daemon's shutdown path.
func (m *Manager) Wait(runID string) {
	m.mu.Lock()
	ar, ok := m.active[runID]
	m.mu.Unlock()
	if ok {
		<-ar.done
	}
}
