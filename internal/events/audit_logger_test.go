package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewAuditLogger(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("Log file was not created")
	}
}

func TestAuditLogger_WriteEntry(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	entry := &LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: string(TypeRunCompleted),
		RunID:     "run_0000000001_deadbeef",
		Agent:     "go-lint",
		Path:      "internal/auth/login.go",
		Details: map[string]any{
			"attempt": 1,
		},
	}

	if err := logger.WriteEntry(entry); err != nil {
		t.Fatalf("Failed to write log entry: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var readEntry LogEntry
	if err := json.Unmarshal(data[:len(data)-1], &readEntry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}

	if readEntry.EventType != entry.EventType {
		t.Errorf("EventType mismatch: got %s, want %s", readEntry.EventType, entry.EventType)
	}
	if readEntry.RunID != entry.RunID {
		t.Errorf("RunID mismatch: got %s, want %s", readEntry.RunID, entry.RunID)
	}
	if readEntry.Checksum == "" {
		t.Error("expected checksum to be stamped on write")
	}
}

func TestAuditLogger_LogEventPromotesKnownKeys(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	err = logger.LogEvent(Event{
		Type:      TypeFindingStored,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"finding_id": "fnd_00000001",
			"agent":      "go-lint",
			"tier":       "relevant",
			"score":      0.6,
		},
	})
	if err != nil {
		t.Fatalf("Failed to log event: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var entry LogEntry
	if err := json.Unmarshal(data[:len(data)-1], &entry); err != nil {
		t.Fatalf("Failed to unmarshal entry: %v", err)
	}

	if entry.FindingID != "fnd_00000001" {
		t.Errorf("finding_id not promoted: %+v", entry)
	}
	if entry.Tier != "relevant" {
		t.Errorf("tier not promoted: %+v", entry)
	}
	if _, ok := entry.Details["score"]; !ok {
		t.Error("unknown keys should stay in details")
	}
	if _, ok := entry.Details["finding_id"]; ok {
		t.Error("promoted keys should not be duplicated in details")
	}
}

func TestAuditLogger_TailBridgesBus(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	bus := NewBus(10)
	defer bus.Close()
	unsub := bus.Subscribe(TypeAll, logger.Tail())
	defer unsub()

	bus.Publish(TypeRunStarted, map[string]any{"run_id": "run_0000000001_aaaaaaaa"})
	bus.Publish(TypeRunCompleted, map[string]any{"run_id": "run_0000000001_aaaaaaaa"})
	time.Sleep(100 * time.Millisecond)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	lines := strings.Count(string(data), "\n")
	if lines != 2 {
		t.Errorf("expected 2 audit lines, got %d", lines)
	}
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	const writers = 10
	const perWriter = 20

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				entry := &LogEntry{
					EventType: string(TypeRunCompleted),
					RunID:     fmt.Sprintf("run_%010d_%08x", id, j),
				}
				if err := logger.WriteEntry(entry); err != nil {
					t.Errorf("write failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	file, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("Failed to open log: %v", err)
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("interleaved or corrupt line: %v", err)
		}
		count++
	}
	if count != writers*perWriter {
		t.Errorf("expected %d entries, got %d", writers*perWriter, count)
	}
}

func TestAuditLogger_Rotation(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "audit.jsonl")

	// Small limit so a few entries force rotation.
	logger, err := NewAuditLogger(logPath, 512)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 20; i++ {
		entry := &LogEntry{
			EventType: string(TypeRunCompleted),
			Details:   map[string]any{"padding": strings.Repeat("x", 64)},
		}
		if err := logger.WriteEntry(entry); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	archiveDir := filepath.Join(tempDir, archiveDirName)
	archived, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatalf("archive directory missing: %v", err)
	}
	if len(archived) == 0 {
		t.Error("expected at least one archived log file")
	}
	for _, f := range archived {
		if !strings.HasSuffix(f.Name(), logFileExtension) {
			t.Errorf("archive file %s missing %s extension", f.Name(), logFileExtension)
		}
	}

	// The active log keeps accepting writes after rotation.
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("active log missing after rotation: %v", err)
	}
}

func TestVerify(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}

	for i := 0; i < 5; i++ {
		entry := &LogEntry{EventType: string(TypeRunCompleted), RunID: fmt.Sprintf("run_%010d_%08x", 1, i)}
		if err := logger.WriteEntry(entry); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	logger.Close()

	total, valid, err := Verify(logPath)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if total != 5 || valid != 5 {
		t.Errorf("expected 5/5 valid entries, got %d/%d", valid, total)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	if err := logger.WriteEntry(&LogEntry{EventType: string(TypeRunCompleted), Agent: "go-lint"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	logger.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	tampered := strings.Replace(string(data), "go-lint", "go-mint", 1)
	if err := os.WriteFile(logPath, []byte(tampered), 0644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	total, valid, err := Verify(logPath)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if total != 1 || valid != 0 {
		t.Errorf("expected tampered entry to fail verification, got %d/%d", valid, total)
	}
}

func TestVerify_MissingFileIsEmpty(t *testing.T) {
	total, valid, err := Verify(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if total != 0 || valid != 0 {
		t.Errorf("expected 0/0 for missing file, got %d/%d", valid, total)
	}
}
