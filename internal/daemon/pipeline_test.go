package daemon

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devsift/sift/internal/executor"
	"github.com/devsift/sift/internal/model"
	"github.com/devsift/sift/internal/scheduler"
	"github.com/devsift/sift/internal/store"
)

func pipelineFixture(t *testing.T, cfg model.Config) (*Pipeline, *store.Store, string) {
	t.Helper()
	siftDir := t.TempDir()

	st, err := store.New(store.Config{SiftDir: siftDir, Retention: cfg.Retention})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	logger := log.New(&bytes.Buffer{}, "", 0)
	tracker := NewContextTracker(time.Minute)
	letters := NewDeadLetterWriter(siftDir, logger, LogLevelError)
	p := NewPipeline("/project", cfg, st, tracker, letters, logger, LogLevelError)
	return p, st, siftDir
}

func balancedConfig() model.Config {
	return model.Config{
		Daemon: model.DaemonConfig{Enabled: true, Mode: model.ModeBalanced},
	}
}

func TestPipeline_HandleResultStoresFindings(t *testing.T) {
	p, st, _ := pipelineFixture(t, balancedConfig())

	run := scheduler.Run{
		ID:    "run_00000001",
		Agent: "go-vet",
		Path:  "pkg/a.go",
		Event: model.Event{Type: model.EventFileSaved, Path: "pkg/a.go"},
	}
	stdout := []byte(`[
		{"file": "pkg/a.go", "line": 10, "severity": "error", "blocking": true, "category": "types", "message": "undefined symbol"},
		{"file": "pkg/b.go", "line": 3, "severity": "info", "category": "style", "message": "missing doc comment"}
	]`)

	p.HandleResult(run, &executor.Result{Stdout: stdout, Duration: 120 * time.Millisecond})

	immediate, err := st.Tier(model.TierImmediate)
	if err != nil {
		t.Fatal(err)
	}
	if immediate.Count != 1 {
		t.Fatalf("immediate count = %d, want 1", immediate.Count)
	}
	f := immediate.Findings[0]
	if !f.Blocking || f.Message != "undefined symbol" {
		t.Errorf("unexpected immediate finding: %+v", f)
	}
	if !f.CausedByRecentChange {
		t.Error("finding on the triggering path should be caused_by_recent_change")
	}
	if f.RelevanceScore <= 0 {
		t.Error("relevance should be stamped")
	}

	// the low-scoring info finding lands in background
	background, _ := st.Tier(model.TierBackground)
	if background.Count != 1 {
		t.Errorf("background count = %d, want 1", background.Count)
	}

	idx, err := st.Index()
	if err != nil {
		t.Fatal(err)
	}
	if idx.CheckNow.Count != 1 {
		t.Errorf("index check_now count = %d, want 1", idx.CheckNow.Count)
	}
}

func TestPipeline_HandleResultUnparseableOutput(t *testing.T) {
	p, st, _ := pipelineFixture(t, balancedConfig())

	run := scheduler.Run{ID: "run_00000002", Agent: "bad", Path: "x.go"}
	p.HandleResult(run, &executor.Result{Stdout: []byte("panic: not json")})

	for _, tier := range model.AllTiers {
		part, _ := st.Tier(tier)
		if part.Count != 0 {
			t.Errorf("tier %s count = %d, want 0 after unparseable output", tier, part.Count)
		}
	}
}

func TestPipeline_HandleResultEmptyOutput(t *testing.T) {
	p, st, _ := pipelineFixture(t, balancedConfig())

	run := scheduler.Run{ID: "run_00000003", Agent: "clean", Path: "y.go"}
	p.HandleResult(run, &executor.Result{Stdout: nil, ExitCode: 0})

	for _, tier := range model.AllTiers {
		part, _ := st.Tier(tier)
		if part.Count != 0 {
			t.Errorf("tier %s count = %d, want 0", tier, part.Count)
		}
	}
}

func TestPipeline_HandleExhausted(t *testing.T) {
	p, st, siftDir := pipelineFixture(t, balancedConfig())

	run := scheduler.Run{
		ID:      "run_00000004",
		Agent:   "flaky",
		Path:    "pkg/c.go",
		Event:   model.Event{Type: model.EventFileSaved, Path: "pkg/c.go"},
		Attempt: 3,
	}
	p.HandleExhausted(run, errors.New("signal: killed"))

	// dead letter on disk
	if _, err := os.Stat(filepath.Join(siftDir, "dead_letters", "run_00000004.yaml")); err != nil {
		t.Errorf("dead letter file missing: %v", err)
	}
	if p.letters.Count() != 1 {
		t.Errorf("dead letter count = %d, want 1", p.letters.Count())
	}

	// surfaced as a finding: error severity on the triggering path scores
	// into the relevant tier under balanced
	relevant, err := st.Tier(model.TierRelevant)
	if err != nil {
		t.Fatal(err)
	}
	if relevant.Count != 1 {
		t.Fatalf("relevant count = %d, want 1", relevant.Count)
	}
	f := relevant.Findings[0]
	if f.Category != model.CategoryAgentFailure {
		t.Errorf("category = %q, want agent_failure", f.Category)
	}
	if f.Agent != "flaky" || f.File != "pkg/c.go" {
		t.Errorf("unexpected finding: %+v", f)
	}
	if f.Detail != "signal: killed" {
		t.Errorf("detail = %q", f.Detail)
	}
}

func TestPipeline_AutoFixCap(t *testing.T) {
	cfg := model.Config{
		Daemon:  model.DaemonConfig{Enabled: true, Mode: model.ModeFlow},
		AutoFix: model.AutoFixConfig{Enabled: true, MaxPerFile: 1},
	}
	p, st, _ := pipelineFixture(t, cfg)

	run := scheduler.Run{ID: "run_00000005", Agent: "fmt", Path: "pkg/main.go"}
	stdout := []byte(`[
		{"file": "pkg/styled.go", "severity": "style", "auto_fixable": true, "category": "format", "message": "tabs vs spaces"},
		{"file": "pkg/styled.go", "severity": "style", "auto_fixable": true, "category": "format", "message": "trailing whitespace"}
	]`)
	p.HandleResult(run, &executor.Result{Stdout: stdout})

	autoFixed, _ := st.Tier(model.TierAutoFixed)
	if autoFixed.Count != 1 {
		t.Errorf("auto_fixed count = %d, want 1 (cap)", autoFixed.Count)
	}
	background, _ := st.Tier(model.TierBackground)
	if background.Count != 1 {
		t.Errorf("background count = %d, want 1 (cap overflow)", background.Count)
	}
}

func TestPipeline_RepeatedRunKeepsIsNewFalse(t *testing.T) {
	p, st, _ := pipelineFixture(t, balancedConfig())

	run := scheduler.Run{ID: "run_00000006", Agent: "lint", Path: "pkg/d.go"}
	stdout := []byte(`[{"file": "pkg/d.go", "line": 1, "severity": "warning", "category": "lint", "message": "shadowed variable"}]`)

	p.HandleResult(run, &executor.Result{Stdout: stdout})
	p.HandleResult(run, &executor.Result{Stdout: stdout})

	// same fingerprint both times: one stored finding, no longer new
	total := 0
	var found model.Finding
	for _, tier := range model.AllTiers {
		part, _ := st.Tier(tier)
		total += part.Count
		if part.Count > 0 {
			found = part.Findings[0]
		}
	}
	if total != 1 {
		t.Fatalf("stored findings = %d, want 1 after re-ingest", total)
	}
	if found.IsNew {
		t.Error("re-ingested finding should not be new")
	}
}
