package rig

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/riffle/internal/clock"
	"github.com/me/riffle/pkg/model"
)

// Durations holds the simulated cost of each hardware action.
type Durations struct {
	Move    time.Duration
	Acquire time.Duration
	Actuate time.Duration
	Probe   time.Duration
}

// DefaultDurations approximates the real rig: a stage move plus
// autofocus settle, a multi-second exposure, a fast solenoid, an
// instant probe read.
func DefaultDurations() Durations {
	return Durations{
		Move:    2 * time.Second,
		Acquire: 5 * time.Second,
		Actuate: 200 * time.Millisecond,
		Probe:   50 * time.Millisecond,
	}
}

// Call is one recorded facade invocation with its time span on the
// simulation clock.
type Call struct {
	Action  model.Action
	Detail  string
	Started time.Time
	Ended   time.Time
}

type failureKey struct {
	action model.Action
	nth    int
}

// Sim is a deterministic in-memory rig. Every call advances the shared
// virtual clock by the configured action duration, records itself in
// the call trace, and optionally fails on script. Safe for concurrent
// use, although the engine drives it from a single goroutine.
type Sim struct {
	clk    *clock.Virtual
	dur    Durations
	logger *slog.Logger

	mu       sync.Mutex
	counts   map[model.Action]int
	failures map[failureKey]error
	calls    []Call
	position StagePosition
	valves   map[int]ValveState
	probes   map[string]float64
	images   int
}

// NewSim creates a simulated rig advancing clk by dur per call.
func NewSim(clk *clock.Virtual, dur Durations, logger *slog.Logger) *Sim {
	return &Sim{
		clk:      clk,
		dur:      dur,
		logger:   logger.With("component", "sim-rig"),
		counts:   make(map[model.Action]int),
		failures: make(map[failureKey]error),
		valves:   make(map[int]ValveState),
		probes:   map[string]float64{"temperature": 23.5, "humidity": 41.0},
	}
}

// FailOn scripts the nth call (1-based) of the given action to fail
// with err instead of completing.
func (s *Sim) FailOn(action model.Action, nth int, err error) {
	s.mu.Lock()
	s.failures[failureKey{action: action, nth: nth}] = err
	s.mu.Unlock()
}

// SetProbe sets the value returned for a named probe.
func (s *Sim) SetProbe(name string, value float64) {
	s.mu.Lock()
	s.probes[name] = value
	s.mu.Unlock()
}

// Calls returns a copy of the recorded call trace.
func (s *Sim) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Position returns the current simulated stage position.
func (s *Sim) Position() StagePosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Valve returns the last commanded state of a solenoid.
func (s *Sim) Valve(solenoid int) ValveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.valves[solenoid]; ok {
		return st
	}
	return ValveClosed
}

func (s *Sim) MoveStage(ctx context.Context, pos StagePosition) error {
	detail := fmt.Sprintf("move (%.1f, %.1f, %.1f)", pos.X, pos.Y, pos.Z)
	return s.step(ctx, model.ActionMove, s.dur.Move, detail, func() {
		s.position = pos
	})
}

func (s *Sim) AcquireImage(ctx context.Context, ch Channel) (ImageRef, error) {
	var ref ImageRef
	detail := fmt.Sprintf("acquire %s/%dms", ch.Name, ch.ExposureMS)
	err := s.step(ctx, model.ActionAcquire, s.dur.Acquire, detail, func() {
		s.images++
		ref = ImageRef{
			Path:       fmt.Sprintf("sim://img/%06d_%s.tif", s.images, ch.Name),
			Channel:    ch.Name,
			AcquiredAt: s.clk.Now(),
		}
	})
	return ref, err
}

func (s *Sim) ActuateValve(ctx context.Context, solenoid int, state ValveState) error {
	detail := fmt.Sprintf("solenoid %d -> %s", solenoid, state)
	return s.step(ctx, model.ActionActuate, s.dur.Actuate, detail, func() {
		s.valves[solenoid] = state
	})
}

func (s *Sim) ReadProbe(ctx context.Context, probe string) (float64, error) {
	var v float64
	var ok bool
	err := s.step(ctx, model.ActionProbe, s.dur.Probe, "probe "+probe, func() {
		v, ok = s.probes[probe]
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &Error{Device: "probe", Err: fmt.Errorf("no probe named %q", probe)}
	}
	return v, nil
}

// step advances the clock by d, records the call, and applies effect
// unless the call is scripted to fail.
func (s *Sim) step(ctx context.Context, action model.Action, d time.Duration, detail string, effect func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.counts[action]++
	nth := s.counts[action]
	scripted := s.failures[failureKey{action: action, nth: nth}]
	s.mu.Unlock()

	started := s.clk.Now()
	s.clk.Advance(d)
	ended := s.clk.Now()

	s.mu.Lock()
	s.calls = append(s.calls, Call{Action: action, Detail: detail, Started: started, Ended: ended})
	if scripted == nil {
		effect()
	}
	s.mu.Unlock()

	if scripted != nil {
		s.logger.Debug("scripted failure", "action", action, "call", nth, "error", scripted)
		return &Error{Device: string(action), Err: scripted}
	}
	s.logger.Debug("sim call", "action", action, "detail", detail, "duration", d.String())
	return nil
}
