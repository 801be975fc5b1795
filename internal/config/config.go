// Package config loads and validates the daemon configuration and the
// YAML experiment manifests that describe a run: the rig's valve map,
// hardware duration estimates, and the kinetic assays to schedule.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/riffle/internal/assay"
	"github.com/me/riffle/internal/rig"
	"github.com/me/riffle/pkg/model"
)

// ServerConfig holds configuration for the riffled daemon.
type ServerConfig struct {
	Addr      string // Listen address (default ":8080")
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: text, json
	DBPath    string // SQLite database path (":memory:" for testing)
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Duration decodes YAML scalars like "480s" or "15m". A bare integer
// is taken as seconds, matching how the bench protocols were written.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", node.Kind)
	}
	s := node.Value
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Rig describes the hardware side of a manifest: the logical valve
// name to solenoid index map and per-action duration estimates.
type Rig struct {
	Valves    map[string]int `yaml:"valves"`
	Durations struct {
		Move    Duration `yaml:"move"`
		Acquire Duration `yaml:"acquire"`
		Actuate Duration `yaml:"actuate"`
		Probe   Duration `yaml:"probe"`
	} `yaml:"durations"`
}

// Estimates returns the rig duration set, with defaults for anything
// the manifest left unset.
func (r Rig) Estimates() rig.Durations {
	est := rig.DefaultDurations()
	if d := r.Durations.Move.Std(); d > 0 {
		est.Move = d
	}
	if d := r.Durations.Acquire.Std(); d > 0 {
		est.Acquire = d
	}
	if d := r.Durations.Actuate.Std(); d > 0 {
		est.Actuate = d
	}
	if d := r.Durations.Probe.Std(); d > 0 {
		est.Probe = d
	}
	return est
}

// AssaySpec is the YAML shape of one kinetic assay.
type AssaySpec struct {
	AssayID   string `yaml:"assay_id"`
	Device    string `yaml:"device"`
	Priority  int    `yaml:"priority"`
	Substrate string `yaml:"substrate"`

	Channels  []assay.ChannelExposures `yaml:"channels"`
	Positions []rig.StagePosition      `yaml:"positions"`
	Delays    []Duration               `yaml:"delays"`

	TreeFlush             Duration `yaml:"tree_flush"`
	Equilibration         Duration `yaml:"equilibration"`
	PostEquilibrationScan bool     `yaml:"post_equilibration_scan"`

	ScanWindow Duration `yaml:"scan_window"`
	OnMiss     string   `yaml:"on_miss"`
	OnError    string   `yaml:"on_error"`

	StartOffset Duration `yaml:"start_offset"`
}

// Kinetic converts the YAML spec into the domain spec.
func (a AssaySpec) Kinetic() *assay.KineticSpec {
	delays := make([]time.Duration, len(a.Delays))
	for i, d := range a.Delays {
		delays[i] = d.Std()
	}
	return &assay.KineticSpec{
		AssayID:               a.AssayID,
		Device:                a.Device,
		Priority:              a.Priority,
		Substrate:             a.Substrate,
		Channels:              a.Channels,
		Positions:             a.Positions,
		Delays:                delays,
		TreeFlush:             a.TreeFlush.Std(),
		Equilibration:         a.Equilibration.Std(),
		PostEquilibrationScan: a.PostEquilibrationScan,
		ScanWindow:            a.ScanWindow.Std(),
		OnMiss:                model.MissPolicy(a.OnMiss),
		OnError:               model.ErrorPolicy(a.OnError),
		StartOffset:           a.StartOffset.Std(),
	}
}

// Manifest is one experiment: a rig description plus the assays to
// admit as programs.
type Manifest struct {
	Label string `yaml:"label"`
	Rig   Rig    `yaml:"rig"`

	// FlowDelay separates back-to-back assays on one device when the
	// riffle planner chains their delay series.
	FlowDelay Duration `yaml:"flow_delay"`

	Assays []AssaySpec `yaml:"assays"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates manifest bytes.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

var missPolicies = map[string]bool{
	"": true,
	string(model.MissDrop):       true,
	string(model.MissRunLate):    true,
	string(model.MissAbortAssay): true,
}

var errorPolicies = map[string]bool{
	"": true,
	string(model.ErrorAbortProgram): true,
	string(model.ErrorContinue):     true,
}

// Validate checks manifest-level consistency; per-assay structure is
// checked by the assay specs themselves against the valve map.
func (m *Manifest) Validate() error {
	if len(m.Assays) == 0 {
		return fmt.Errorf("manifest has no assays")
	}
	if len(m.Rig.Valves) == 0 {
		return fmt.Errorf("manifest has no valve map")
	}
	for name, solenoid := range m.Rig.Valves {
		if solenoid < 0 {
			return fmt.Errorf("valve %q: negative solenoid index %d", name, solenoid)
		}
	}

	seen := make(map[string]bool, len(m.Assays))
	for _, a := range m.Assays {
		if seen[a.AssayID] {
			return fmt.Errorf("duplicate assay id %q", a.AssayID)
		}
		seen[a.AssayID] = true

		if !missPolicies[a.OnMiss] {
			return fmt.Errorf("assay %s: unknown on_miss policy %q", a.AssayID, a.OnMiss)
		}
		if !errorPolicies[a.OnError] {
			return fmt.Errorf("assay %s: unknown on_error policy %q", a.AssayID, a.OnError)
		}
		if err := a.Kinetic().Validate(m.Rig.Valves); err != nil {
			return err
		}
	}
	return nil
}

// Programs expands every assay in the manifest into an executable
// program using the manifest's valve map and duration estimates.
func (m *Manifest) Programs() ([]*model.Program, error) {
	est := m.Rig.Estimates()
	programs := make([]*model.Program, 0, len(m.Assays))
	for _, a := range m.Assays {
		p, err := assay.Expand(a.Kinetic(), m.Rig.Valves, est)
		if err != nil {
			return nil, err
		}
		programs = append(programs, p)
	}
	return programs, nil
}
