// Package assay expands kinetic assay specifications into executable
// operation programs. A kinetic assay flows a substrate onto the chip,
// equilibrates, opens the reaction buttons, and then images the
// position list at a series of timepoints whose spacing follows the
// reaction's expected kinetics.
package assay

import (
	"fmt"
	"math"
	"time"

	"github.com/me/riffle/internal/rig"
	"github.com/me/riffle/pkg/model"
)

// ChannelExposures maps one illumination channel to the exposures to
// take at each timepoint. Every exposure is its own acquisition.
type ChannelExposures struct {
	Channel     string `json:"channel" yaml:"channel"`
	ExposuresMS []int  `json:"exposures_ms" yaml:"exposures_ms"`
}

// KineticSpec describes one kinetic turnover assay on one device.
type KineticSpec struct {
	AssayID   string `json:"assay_id" yaml:"assay_id"`
	Device    string `json:"device" yaml:"device"`
	Priority  int    `json:"priority" yaml:"priority"`
	Substrate string `json:"substrate" yaml:"substrate"`

	Channels  []ChannelExposures  `json:"channels" yaml:"channels"`
	Positions []rig.StagePosition `json:"positions" yaml:"positions"`

	// Delays are the gaps between consecutive timepoints; n delays
	// give n+1 timepoints, the first immediately after setup.
	Delays []time.Duration `json:"delays" yaml:"delays"`

	// TreeFlush is how long substrate flows through the inlet tree to
	// waste before it reaches the chip.
	TreeFlush time.Duration `json:"tree_flush" yaml:"tree_flush"`

	// Equilibration is how long substrate flows through the chambers
	// before the reaction starts.
	Equilibration time.Duration `json:"equilibration" yaml:"equilibration"`

	// PostEquilibrationScan images the chip once between equilibration
	// and reaction start, for button quantification.
	PostEquilibrationScan bool `json:"post_equilibration_scan" yaml:"post_equilibration_scan"`

	// ScanWindow bounds how far past its timepoint an acquisition may
	// still run; zero means no deadline.
	ScanWindow time.Duration    `json:"scan_window" yaml:"scan_window"`
	OnMiss     model.MissPolicy `json:"on_miss" yaml:"on_miss"`

	OnError model.ErrorPolicy `json:"on_error" yaml:"on_error"`

	// StartOffset staggers this assay's program relative to run start,
	// typically computed by the riffle planner.
	StartOffset time.Duration `json:"start_offset" yaml:"start_offset"`
}

// Fixed plumbing valves every kinetic assay actuates. The substrate
// inlet comes from the spec; everything else is chip topology.
const (
	valveWaste    = "w"
	valveInlet    = "in"
	valveOutlet   = "out"
	valveSandwich = "s1"
	valveButton   = "b1"
)

// timepointCount returns how many imaging timepoints the spec yields.
func (s *KineticSpec) timepointCount() int { return len(s.Delays) + 1 }

// Validate checks the spec against the rig's valve map before any
// program is built from it.
func (s *KineticSpec) Validate(valves map[string]int) error {
	if s.AssayID == "" {
		return fmt.Errorf("kinetic spec has no assay id")
	}
	if s.Substrate == "" {
		return fmt.Errorf("assay %s: no substrate inlet named", s.AssayID)
	}
	if len(s.Channels) == 0 {
		return fmt.Errorf("assay %s: no imaging channels", s.AssayID)
	}
	for _, ce := range s.Channels {
		if ce.Channel == "" || len(ce.ExposuresMS) == 0 {
			return fmt.Errorf("assay %s: channel entry missing name or exposures", s.AssayID)
		}
	}
	if len(s.Positions) == 0 {
		return fmt.Errorf("assay %s: empty position list", s.AssayID)
	}
	for _, d := range s.Delays {
		if d <= 0 {
			return fmt.Errorf("assay %s: non-positive timepoint delay %v", s.AssayID, d)
		}
	}
	for _, name := range s.valveNames() {
		if _, ok := valves[name]; !ok {
			return fmt.Errorf("assay %s: valve %q not in rig valve map", s.AssayID, name)
		}
	}
	return nil
}

func (s *KineticSpec) valveNames() []string {
	return []string{s.Substrate, valveWaste, valveInlet, valveOutlet, valveSandwich, valveButton}
}

// Expand builds the executable program for the spec. Valve names
// resolve to solenoid indexes through the rig valve map; estimates
// size each operation's expected hold on its resource.
func Expand(s *KineticSpec, valves map[string]int, est rig.Durations) (*model.Program, error) {
	if err := s.Validate(valves); err != nil {
		return nil, err
	}
	if est == (rig.Durations{}) {
		est = rig.DefaultDurations()
	}

	b := model.NewProgram(s.AssayID, s.Priority).
		Device(s.Device).
		StartOffset(s.StartOffset)
	if s.OnError != "" {
		b.OnError(s.OnError)
	}

	valveOp := func(name string, state rig.ValveState, notBefore time.Duration) model.Operation {
		return model.Operation{
			Resource:          model.ResourceManifold,
			Action:            model.ActionActuate,
			Params:            map[string]any{"solenoid": valves[name], "state": string(state), "valve": name},
			EstimatedDuration: est.Actuate,
			NotBefore:         notBefore,
		}
	}

	// Inlet tree flush: substrate flows to waste so the tree holds
	// fresh substrate before the chip sees it.
	var at time.Duration
	b.Append(valveOp(s.Substrate, rig.ValveOpen, at))
	b.Append(valveOp(valveWaste, rig.ValveOpen, at))
	at += s.TreeFlush

	// Equilibration: close waste, route substrate through the chip.
	b.Append(valveOp(valveWaste, rig.ValveClosed, at))
	b.Append(valveOp(valveInlet, rig.ValveOpen, at))
	b.Append(valveOp(valveOutlet, rig.ValveOpen, at))
	b.Append(valveOp(valveSandwich, rig.ValveOpen, at))
	at += s.Equilibration

	if s.PostEquilibrationScan {
		s.appendScan(b, est, at, 0, "")
	}

	// Seal the chambers and open the buttons. Button opening is the
	// reaction T0.
	b.Append(valveOp(s.Substrate, rig.ValveClosed, at))
	b.Append(valveOp(valveInlet, rig.ValveClosed, at))
	b.Append(valveOp(valveOutlet, rig.ValveClosed, at))
	b.Append(valveOp(valveSandwich, rig.ValveClosed, at))
	b.Append(valveOp(valveButton, rig.ValveOpen, at))

	for _, offset := range TimeSpacings(s.Delays) {
		var deadline time.Duration
		if s.ScanWindow > 0 {
			deadline = at + offset + s.ScanWindow
		}
		s.appendScan(b, est, at+offset, deadline, s.OnMiss)
	}
	return b.Build()
}

// appendScan appends one raster of the position list: a stage move per
// position followed by every channel/exposure acquisition at it. The
// acquisitions carry precedence on their move, so a dropped move never
// images the wrong chamber.
func (s *KineticSpec) appendScan(b *model.Builder, est rig.Durations, notBefore, deadline time.Duration, onMiss model.MissPolicy) {
	for _, pos := range s.Positions {
		moveIdx := b.Append(model.Operation{
			Resource:          model.ResourceStage,
			Action:            model.ActionMove,
			Params:            map[string]any{"x": pos.X, "y": pos.Y, "z": pos.Z},
			EstimatedDuration: est.Move,
			NotBefore:         notBefore,
			Deadline:          deadline,
			OnMiss:            onMiss,
		})
		for _, ce := range s.Channels {
			for _, exposure := range ce.ExposuresMS {
				op := model.Operation{
					Resource:          model.ResourceCamera,
					Action:            model.ActionAcquire,
					Params:            map[string]any{"channel": ce.Channel, "exposure_ms": exposure},
					EstimatedDuration: est.Acquire,
					NotBefore:         notBefore,
					Deadline:          deadline,
					OnMiss:            onMiss,
				}
				// moveIdx is always behind us, so the builder cannot
				// reject the edge.
				_, _ = b.AppendWithPrecedence(op, moveIdx)
			}
		}
	}
}

// TimeSpacings converts a delay series into cumulative offsets from a
// common T0. n delays give n+1 offsets, the first always zero.
func TimeSpacings(delays []time.Duration) []time.Duration {
	offsets := make([]time.Duration, len(delays)+1)
	var sum time.Duration
	for i, d := range delays {
		sum += d
		offsets[i+1] = sum
	}
	return offsets
}

// LogSpacedDelays builds a delay series with linearPoints back-to-back
// scans followed by logarithmically widening gaps, scaled so the whole
// series spans roughly total. Early timepoints resolve fast kinetics,
// late ones are cheap.
func LogSpacedDelays(linearPoints, totalPoints int, scan, total time.Duration) []time.Duration {
	if totalPoints <= 0 || scan <= 0 || total <= 0 || linearPoints > totalPoints {
		return nil
	}
	logPoints := totalPoints - linearPoints

	series := func(density float64) []time.Duration {
		delays := make([]time.Duration, 0, totalPoints)
		for i := 0; i < linearPoints; i++ {
			delays = append(delays, scan)
		}
		if logPoints > 0 {
			lo := math.Log10(scan.Seconds())
			hi := math.Log10(math.Pow(scan.Seconds(), density))
			for i := 0; i < logPoints; i++ {
				frac := 0.0
				if logPoints > 1 {
					frac = float64(i) / float64(logPoints-1)
				}
				secs := math.Pow(10, lo+(hi-lo)*frac)
				delays = append(delays, time.Duration(math.Round(secs))*time.Second)
			}
		}
		return delays
	}
	sum := func(delays []time.Duration) time.Duration {
		var t time.Duration
		for _, d := range delays {
			t += d
		}
		return t
	}

	// Widen the log tail until the series just reaches the requested
	// span, then back off one step.
	const step = 0.002
	density := 1.0
	for sum(series(density)) < total {
		density += step
		if density > 16 {
			break
		}
	}
	return series(density - step)
}
