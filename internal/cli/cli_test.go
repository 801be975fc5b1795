package cli

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/riffle/internal/clock"
	"github.com/me/riffle/internal/config"
	"github.com/me/riffle/internal/harness"
	"github.com/me/riffle/internal/rig"
	"github.com/me/riffle/internal/server"
	"github.com/me/riffle/internal/store"
)

const testManifest = `
label: cli-smoke
rig:
  valves:
    sub1: 5
    w: 2
    in: 0
    out: 1
    s1: 3
    b1: 4
assays:
  - assay_id: d1
    device: d1
    substrate: sub1
    channels:
      - channel: "2bf"
        exposures_ms: [50]
    positions:
      - {x: 0, y: 0}
    delays: [10]
    tree_flush: 5s
    equilibration: 20s
    scan_window: 60s
`

// startTestServer starts a daemon with an in-memory store and a
// simulated rig, and returns its URL plus the harness for Wait.
func startTestServer(t *testing.T) (string, *harness.Manager) {
	t.Helper()
	srvLogger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	factory := func(est rig.Durations, l *slog.Logger) (rig.Facade, clock.Clock) {
		clk := clock.NewVirtual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
		return rig.NewSim(clk, est, l), clk
	}
	runs := harness.New(st, srvLogger, harness.WithFacadeFactory(factory))
	srv := server.New(config.DefaultServerConfig(), st, runs, srvLogger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, runs
}

func writeManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte(testManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

// runCLI executes the root command and captures stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var errBuf bytes.Buffer
	root.SetOut(&errBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := root.Execute()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	return buf.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeManifest(t)
	output, err := runCLI(t, "validate", path)
	if err != nil {
		t.Fatalf("validate error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Manifest OK") {
		t.Errorf("expected 'Manifest OK' in output, got: %s", output)
	}
	if !strings.Contains(output, "d1:") {
		t.Errorf("expected assay op count in output, got: %s", output)
	}
}

func TestValidateCommand_MissingFile(t *testing.T) {
	_, err := runCLI(t, "validate", "nonexistent.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPlanCommand(t *testing.T) {
	path := writeManifest(t)
	output, err := runCLI(t, "plan", path, "--buffer", "1s", "--step", "1s")
	if err != nil {
		t.Fatalf("plan error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Riffle plan") {
		t.Errorf("expected plan header in output, got: %s", output)
	}
	// Single device always starts at zero.
	if !strings.Contains(output, "start offset 0s") {
		t.Errorf("expected zero offset for lone device, got: %s", output)
	}
}

func TestRunCommand(t *testing.T) {
	path := writeManifest(t)
	output, err := runCLI(t, "run", path)
	if err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Simulated run finished") {
		t.Errorf("expected completion line in output, got: %s", output)
	}
	if !strings.Contains(output, "d1") {
		t.Errorf("expected assay summary row in output, got: %s", output)
	}
}

func TestRunCommand_Verbose(t *testing.T) {
	path := writeManifest(t)
	output, err := runCLI(t, "run", path, "--verbose")
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !strings.Contains(output, "SUCCESS") {
		t.Errorf("expected per-entry outcomes in verbose output, got: %s", output)
	}
}

func TestSubmitAndStatusCommands(t *testing.T) {
	url, runs := startTestServer(t)
	path := writeManifest(t)

	output, err := runCLI(t, "--server", url, "submit", path)
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Run created: run_") {
		t.Fatalf("expected 'Run created: run_' in output, got: %s", output)
	}

	// Pull the run id out of the submit output.
	var runID string
	for _, f := range strings.Fields(output) {
		if strings.HasPrefix(f, "run_") {
			runID = f
			break
		}
	}
	if runID == "" {
		t.Fatalf("no run id in output: %s", output)
	}
	runs.Wait(runID)

	output, err = runCLI(t, "--server", url, "status", runID)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(output, "COMPLETED") {
		t.Errorf("expected COMPLETED state in output, got: %s", output)
	}
	if !strings.Contains(output, "d1:") {
		t.Errorf("expected per-assay summary in output, got: %s", output)
	}
}

func TestListCommand(t *testing.T) {
	url, runs := startTestServer(t)
	path := writeManifest(t)

	output, err := runCLI(t, "--server", url, "submit", path)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}
	for _, f := range strings.Fields(output) {
		if strings.HasPrefix(f, "run_") {
			runs.Wait(f)
			break
		}
	}

	output, err = runCLI(t, "--server", url, "list")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(output, "ID") {
		t.Errorf("expected table header in output, got: %s", output)
	}
	if !strings.Contains(output, "cli-smoke") {
		t.Errorf("expected run label in output, got: %s", output)
	}
}

func TestReportCommand(t *testing.T) {
	url, runs := startTestServer(t)
	path := writeManifest(t)

	output, err := runCLI(t, "--server", url, "submit", path)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}
	var runID string
	for _, f := range strings.Fields(output) {
		if strings.HasPrefix(f, "run_") {
			runID = f
			break
		}
	}
	runs.Wait(runID)

	output, err = runCLI(t, "--server", url, "report", runID)
	if err != nil {
		t.Fatalf("report error: %v", err)
	}
	if !strings.Contains(output, "SUCCESS") {
		t.Errorf("expected SUCCESS outcomes in report, got: %s", output)
	}

	output, err = runCLI(t, "--server", url, "report", runID, "--assay", "ghost")
	if err != nil {
		t.Fatalf("report error: %v", err)
	}
	if !strings.Contains(output, "No report entries") {
		t.Errorf("expected empty report for unknown assay, got: %s", output)
	}
}

func TestAbortCommand_UnknownRun(t *testing.T) {
	url, _ := startTestServer(t)
	_, err := runCLI(t, "--server", url, "abort", "run_missing")
	if err == nil {
		t.Fatal("expected error aborting unknown run")
	}
}

func TestSubmitCommand_MissingFile(t *testing.T) {
	url, _ := startTestServer(t)
	_, err := runCLI(t, "--server", url, "submit", "nonexistent.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
