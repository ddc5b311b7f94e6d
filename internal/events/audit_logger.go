package events

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize rotates the audit log at 100MB.
	DefaultMaxLogSize = 100 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDirName    = "archive"
)

// LogEntry is one line of the append-only audit log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	RunID     string         `json:"run_id,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Path      string         `json:"path,omitempty"`
	FindingID string         `json:"finding_id,omitempty"`
	Tier      string         `json:"tier,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// AuditLogger appends JSONL entries with per-entry checksums and rotates
// the file into an archive/ sibling directory when it exceeds maxSize.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
	rotations   int
}

// NewAuditLogger opens (creating if needed) the audit log at logPath.
func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := logger.openLogFile(); err != nil {
		return nil, err
	}
	return logger, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// LogEvent records one bus event. Well-known payload keys are promoted to
// typed fields; the rest stay in details.
func (l *AuditLogger) LogEvent(ev Event) error {
	entry := LogEntry{
		Timestamp: ev.Timestamp,
		EventType: string(ev.Type),
	}

	details := make(map[string]any, len(ev.Data))
	for k, v := range ev.Data {
		s, isString := v.(string)
		switch {
		case k == "run_id" && isString:
			entry.RunID = s
		case k == "agent" && isString:
			entry.Agent = s
		case k == "path" && isString:
			entry.Path = s
		case k == "finding_id" && isString:
			entry.FindingID = s
		case k == "tier" && isString:
			entry.Tier = s
		default:
			details[k] = v
		}
	}
	if len(details) > 0 {
		entry.Details = details
	}

	return l.WriteEntry(&entry)
}

// Tail returns a subscriber that forwards bus events into the log. Wire it
// with bus.Subscribe(TypeAll, logger.Tail()).
func (l *AuditLogger) Tail() Subscriber {
	return func(ev Event) {
		_ = l.LogEvent(ev)
	}
}

// WriteEntry appends one entry, stamping its checksum, rotating first when
// the write would exceed the size limit.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Checksum = entryChecksum(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log before rotation: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), archiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotations++
	base := filepath.Base(l.logPath)
	stem := base[:len(base)-len(logFileExtension)]
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		stem, time.Now().Format("20060102_150405"), l.rotations, logFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.openLogFile()
}

// entryChecksum hashes the entry with its checksum field blanked.
func entryChecksum(entry *LogEntry) string {
	entryCopy := *entry
	entryCopy.Checksum = ""

	data, err := json.Marshal(entryCopy)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Verify re-reads a log file and checks every entry's checksum. The daemon
// runs this at startup and reports the counts. Unparseable lines count as
// invalid; a missing file is zero entries, not an error.
func Verify(logPath string) (total, valid int, err error) {
	file, err := os.Open(logPath)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		total++
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			break
		}
		want := entry.Checksum
		if want == "" {
			continue
		}
		if entryChecksum(&entry) == want {
			valid++
		}
	}
	return total, valid, nil
}

// Close syncs and closes the log file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// Size reports the current log file size in bytes.
func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
