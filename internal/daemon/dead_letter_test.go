package daemon

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/devsift/sift/internal/model"
	"github.com/devsift/sift/internal/scheduler"
)

func exhaustedRun(id string) scheduler.Run {
	return scheduler.Run{
		ID:      id,
		Agent:   "go-vet",
		Path:    "internal/a.go",
		Event:   model.Event{Type: model.EventFileSaved, Path: "internal/a.go"},
		Attempt: 3,
	}
}

func TestDeadLetterWriter_Write(t *testing.T) {
	siftDir := t.TempDir()
	w := NewDeadLetterWriter(siftDir, log.New(&bytes.Buffer{}, "", 0), LogLevelDebug)

	if err := w.Write(exhaustedRun("run_00000001"), errors.New("exit status 2")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(siftDir, "dead_letters", "run_00000001.yaml"))
	if err != nil {
		t.Fatalf("read dead letter: %v", err)
	}
	var rec deadLetterRecord
	if err := yamlv3.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}

	if rec.FileType != "dead_letter" {
		t.Errorf("file_type = %q, want dead_letter", rec.FileType)
	}
	if rec.RunID != "run_00000001" {
		t.Errorf("run_id = %q, want run_00000001", rec.RunID)
	}
	if rec.Agent != "go-vet" {
		t.Errorf("agent = %q, want go-vet", rec.Agent)
	}
	if rec.Path != "internal/a.go" {
		t.Errorf("path = %q", rec.Path)
	}
	if rec.EventType != model.EventFileSaved {
		t.Errorf("event_type = %q, want file_saved", rec.EventType)
	}
	if rec.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.Attempts)
	}
	if rec.LastError != "exit status 2" {
		t.Errorf("last_error = %q", rec.LastError)
	}
	if rec.DeadLetteredAt == "" {
		t.Error("dead_lettered_at should be set")
	}
}

func TestDeadLetterWriter_CountAccumulates(t *testing.T) {
	siftDir := t.TempDir()
	w := NewDeadLetterWriter(siftDir, log.New(&bytes.Buffer{}, "", 0), LogLevelDebug)

	if w.Count() != 0 {
		t.Fatalf("initial count = %d, want 0", w.Count())
	}
	for i, id := range []string{"run_0000000a", "run_0000000b", "run_0000000c"} {
		if err := w.Write(exhaustedRun(id), errors.New("timeout")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if w.Count() != 3 {
		t.Errorf("count = %d, want 3", w.Count())
	}

	entries, err := os.ReadDir(filepath.Join(siftDir, "dead_letters"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("dead letter files = %d, want 3", len(entries))
	}
}

func TestDeadLetterWriter_OneFilePerRun(t *testing.T) {
	siftDir := t.TempDir()
	w := NewDeadLetterWriter(siftDir, log.New(&bytes.Buffer{}, "", 0), LogLevelDebug)

	// Same run id twice overwrites instead of accumulating files.
	if err := w.Write(exhaustedRun("run_000000aa"), errors.New("first")); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(exhaustedRun("run_000000aa"), errors.New("second")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(siftDir, "dead_letters"))
	if err != nil {
		t.Fatal(err)
	}
	records := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".yaml") {
			records++
		}
	}
	if records != 1 {
		t.Fatalf("dead letter records = %d, want 1", records)
	}

	data, _ := os.ReadFile(filepath.Join(siftDir, "dead_letters", "run_000000aa.yaml"))
	var rec deadLetterRecord
	if err := yamlv3.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.LastError != "second" {
		t.Errorf("last_error = %q, want the later write", rec.LastError)
	}
}
