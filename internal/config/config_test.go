package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const manifestYAML = `
label: ext1 turnover
flow_delay: 625
rig:
  valves:
    ext1: 5
    w: 2
    in: 0
    out: 1
    s1: 3
    b1: 4
  durations:
    move: 2s
    acquire: 5s
assays:
  - assay_id: d1-ext1
    device: d1
    priority: 2
    substrate: ext1
    channels:
      - channel: 2bf
        exposures_ms: [50, 500]
    positions:
      - {x: 10, y: 20}
    delays: [90, 90, 180]
    tree_flush: 15
    equilibration: 8m
    scan_window: 60
    on_miss: RUN_LATE
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(manifestYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Label != "ext1 turnover" {
		t.Errorf("label = %q", m.Label)
	}
	if got := m.FlowDelay.Std(); got != 625*time.Second {
		t.Errorf("flow_delay = %v", got)
	}

	a := m.Assays[0]
	k := a.Kinetic()
	if k.Equilibration != 8*time.Minute {
		t.Errorf("equilibration = %v, want 8m", k.Equilibration)
	}
	if k.TreeFlush != 15*time.Second {
		t.Errorf("tree_flush = %v", k.TreeFlush)
	}
	if len(k.Delays) != 3 || k.Delays[2] != 180*time.Second {
		t.Errorf("delays = %v", k.Delays)
	}

	est := m.Rig.Estimates()
	if est.Move != 2*time.Second || est.Acquire != 5*time.Second {
		t.Errorf("estimates = %+v", est)
	}
	// Unset estimates keep their defaults.
	if est.Actuate == 0 || est.Probe == 0 {
		t.Errorf("default estimates missing: %+v", est)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(doc string) string
		wantErr string
	}{
		{
			"duplicate assay id",
			func(doc string) string {
				dup := strings.ReplaceAll(manifestYAML[strings.Index(manifestYAML, "  - assay_id"):], "priority: 2", "priority: 1")
				return doc + dup
			},
			"duplicate assay id",
		},
		{
			"unknown valve",
			func(doc string) string { return strings.ReplaceAll(doc, "substrate: ext1", "substrate: prot") },
			"not in rig valve map",
		},
		{
			"bad miss policy",
			func(doc string) string { return strings.ReplaceAll(doc, "RUN_LATE", "PANIC") },
			"unknown on_miss policy",
		},
		{
			"bad duration",
			func(doc string) string { return strings.ReplaceAll(doc, "equilibration: 8m", "equilibration: soon") },
			"invalid duration",
		},
		{
			"no assays",
			func(doc string) string { return doc[:strings.Index(doc, "assays:")] + "assays: []\n" },
			"no assays",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.mutate(manifestYAML)))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Parse = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte(manifestYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Assays) != 1 {
		t.Fatalf("got %d assays", len(m.Assays))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPrograms(t *testing.T) {
	m, err := Parse([]byte(manifestYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	programs, err := m.Programs()
	if err != nil {
		t.Fatalf("Programs: %v", err)
	}
	if len(programs) != 1 {
		t.Fatalf("got %d programs", len(programs))
	}
	p := programs[0]
	if p.AssayID != "d1-ext1" {
		t.Errorf("assay id = %q", p.AssayID)
	}
	// 11 valve actuations plus 4 timepoints of one move and two
	// exposures each.
	if got, want := p.Len(), 11+4*3; got != want {
		t.Errorf("program has %d operations, want %d", got, want)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	raw, err := yaml.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	var d Duration
	if err := yaml.Unmarshal(raw, &d); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("round trip = %v", d.Std())
	}
}
