package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/devsift/sift/internal/scheduler"
	yamlutil "github.com/devsift/sift/internal/yaml"
)

// deadLetterRecord is the persisted shape of one exhausted run, enough to
// replay the trigger by hand after fixing the agent.
type deadLetterRecord struct {
	SchemaVersion  int    `yaml:"schema_version"`
	FileType       string `yaml:"file_type"`
	RunID          string `yaml:"run_id"`
	Agent          string `yaml:"agent"`
	Path           string `yaml:"path"`
	EventType      string `yaml:"event_type"`
	Attempts       int    `yaml:"attempts"`
	LastError      string `yaml:"last_error"`
	DeadLetteredAt string `yaml:"dead_lettered_at"`
}

// DeadLetterWriter archives runs whose retry budget is spent under
// .sift/dead_letters/, one file per run id.
type DeadLetterWriter struct {
	dir      string
	logger   *log.Logger
	logLevel LogLevel
	count    atomic.Int64
}

func NewDeadLetterWriter(siftDir string, logger *log.Logger, level LogLevel) *DeadLetterWriter {
	return &DeadLetterWriter{
		dir:      filepath.Join(siftDir, "dead_letters"),
		logger:   logger,
		logLevel: level,
	}
}

func (w *DeadLetterWriter) Write(run scheduler.Run, lastErr error) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create dead_letters dir: %w", err)
	}

	record := deadLetterRecord{
		SchemaVersion:  yamlutil.CurrentSchemaVersion,
		FileType:       "dead_letter",
		RunID:          run.ID,
		Agent:          run.Agent,
		Path:           run.Path,
		EventType:      run.Event.Type,
		Attempts:       run.Attempt,
		LastError:      lastErr.Error(),
		DeadLetteredAt: time.Now().UTC().Format(time.RFC3339),
	}

	path := filepath.Join(w.dir, run.ID+".yaml")
	if err := yamlutil.AtomicWrite(path, &record); err != nil {
		w.log(LogLevelError, "dead_letter write run=%s: %v", run.ID, err)
		return fmt.Errorf("write dead letter: %w", err)
	}

	w.count.Add(1)
	w.log(LogLevelWarn, "dead_letter run=%s agent=%s path=%s attempts=%d", run.ID, run.Agent, run.Path, run.Attempt)
	return nil
}

// Count reports how many dead letters this process has written.
func (w *DeadLetterWriter) Count() int {
	return int(w.count.Load())
}

func (w *DeadLetterWriter) log(level LogLevel, format string, args ...any) {
	if level < w.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s %s dead_letter: %s", time.Now().Format(time.RFC3339), level.String(), msg)
}
