package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devsift/sift/internal/model"
	yamlutil "github.com/devsift/sift/internal/yaml"
	yamlv3 "gopkg.in/yaml.v3"
)

// MetricsWriter maintains state/metrics.yaml and the dashboard. Counters in
// the metrics file are cumulative across daemon restarts: each update folds
// in only the growth since the previous one.
type MetricsWriter struct {
	siftDir  string
	path     string
	logger   *log.Logger
	logLevel LogLevel

	mu   sync.Mutex
	prev model.MetricsCounters
}

func NewMetricsWriter(siftDir string, logger *log.Logger, level LogLevel) *MetricsWriter {
	return &MetricsWriter{
		siftDir:  siftDir,
		path:     filepath.Join(siftDir, "state", "metrics.yaml"),
		logger:   logger,
		logLevel: level,
	}
}

// Update loads existing metrics, merges counter growth, and writes
// state/metrics.yaml.
func (m *MetricsWriter) Update(depth model.QueueDepth, current model.MetricsCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	metrics := m.load()
	metrics.QueueDepth = depth
	metrics.Counters = addCounters(metrics.Counters, subtractCounters(current, m.prev))

	now := time.Now().UTC().Format(time.RFC3339)
	metrics.UpdatedAt = &now

	if err := yamlutil.AtomicWrite(m.path, metrics); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}

	m.prev = current
	m.log(LogLevelDebug, "updated queued=%d running=%d", depth.Queued, depth.Running)
	return nil
}

// load reads the previous metrics document. Metrics are advisory; a missing
// or unreadable file starts a fresh one instead of failing the tick.
func (m *MetricsWriter) load() model.Metrics {
	fresh := model.Metrics{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "state_metrics",
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return fresh
	}

	var metrics model.Metrics
	if err := yamlv3.Unmarshal(data, &metrics); err != nil {
		m.log(LogLevelWarn, "metrics file unreadable, starting fresh: %v", err)
		return fresh
	}
	if metrics.SchemaVersion == 0 {
		return fresh
	}
	metrics.SchemaVersion = yamlutil.CurrentSchemaVersion
	metrics.FileType = "state_metrics"
	return metrics
}

// UpdateDashboard generates a markdown summary and writes .sift/dashboard.md.
func (m *MetricsWriter) UpdateDashboard(depth model.QueueDepth, parts map[model.Tier]model.Partition) error {
	var sb strings.Builder
	sb.WriteString("# Sift Dashboard\n\n")
	sb.WriteString(fmt.Sprintf("Updated: %s\n\n", time.Now().UTC().Format(time.RFC3339)))

	sb.WriteString("## Queue\n\n")
	sb.WriteString("| Stage | Keys |\n")
	sb.WriteString("|-------|-----:|\n")
	sb.WriteString(fmt.Sprintf("| debouncing | %d |\n", depth.Debouncing))
	sb.WriteString(fmt.Sprintf("| queued | %d |\n", depth.Queued))
	sb.WriteString(fmt.Sprintf("| running | %d |\n", depth.Running))

	sb.WriteString("\n## Findings by Tier\n\n")
	sb.WriteString("| Tier | Count | Errors | Warnings |\n")
	sb.WriteString("|------|------:|-------:|---------:|\n")
	for _, t := range model.AllTiers {
		p := parts[t]
		sb.WriteString(fmt.Sprintf("| %s | %d | %d | %d |\n",
			t, p.Count,
			p.SeverityBreakdown[string(model.SeverityError)],
			p.SeverityBreakdown[string(model.SeverityWarning)]))
	}

	// Unseen immediate findings, newest first
	sb.WriteString("\n## Needs Attention\n\n")
	shown := 0
	for _, f := range parts[model.TierImmediate].Findings {
		if f.SeenByUser {
			continue
		}
		sb.WriteString(fmt.Sprintf("- `%s:%d` [%s] %s (%s)\n", f.File, f.Line, f.Severity, f.Message, f.Agent))
		shown++
		if shown >= 10 {
			break
		}
	}
	if shown == 0 {
		sb.WriteString("_Nothing unseen_\n")
	}

	return writeDashboardFile(filepath.Join(m.siftDir, "dashboard.md"), sb.String())
}

// writeDashboardFile replaces dashboard.md through a temp file so readers
// never see a half-written document. The dashboard is markdown, not YAML,
// so it bypasses the yamlutil writer.
func writeDashboardFile(path, content string) error {
	tmpPath := path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create dashboard temp file: %w", err)
	}
	defer os.Remove(tmpPath)
	defer tmp.Close()

	if _, err := tmp.WriteString(content); err != nil {
		return fmt.Errorf("write dashboard: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync dashboard: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace dashboard: %w", err)
	}
	return nil
}

func addCounters(a, b model.MetricsCounters) model.MetricsCounters {
	return model.MetricsCounters{
		EventsReceived:      a.EventsReceived + b.EventsReceived,
		EventsCoalesced:     a.EventsCoalesced + b.EventsCoalesced,
		RunsDispatched:      a.RunsDispatched + b.RunsDispatched,
		RunsCompleted:       a.RunsCompleted + b.RunsCompleted,
		RunsTimedOut:        a.RunsTimedOut + b.RunsTimedOut,
		RunsRetried:         a.RunsRetried + b.RunsRetried,
		RunsFailed:          a.RunsFailed + b.RunsFailed,
		RunsCancelled:       a.RunsCancelled + b.RunsCancelled,
		BackpressureSheds:   a.BackpressureSheds + b.BackpressureSheds,
		FindingsStored:      a.FindingsStored + b.FindingsStored,
		FindingsAutoFixed:   a.FindingsAutoFixed + b.FindingsAutoFixed,
		FindingsEvicted:     a.FindingsEvicted + b.FindingsEvicted,
		PartitionsRecovered: a.PartitionsRecovered + b.PartitionsRecovered,
		DeadLetters:         a.DeadLetters + b.DeadLetters,
	}
}

func subtractCounters(a, b model.MetricsCounters) model.MetricsCounters {
	return model.MetricsCounters{
		EventsReceived:      a.EventsReceived - b.EventsReceived,
		EventsCoalesced:     a.EventsCoalesced - b.EventsCoalesced,
		RunsDispatched:      a.RunsDispatched - b.RunsDispatched,
		RunsCompleted:       a.RunsCompleted - b.RunsCompleted,
		RunsTimedOut:        a.RunsTimedOut - b.RunsTimedOut,
		RunsRetried:         a.RunsRetried - b.RunsRetried,
		RunsFailed:          a.RunsFailed - b.RunsFailed,
		RunsCancelled:       a.RunsCancelled - b.RunsCancelled,
		BackpressureSheds:   a.BackpressureSheds - b.BackpressureSheds,
		FindingsStored:      a.FindingsStored - b.FindingsStored,
		FindingsAutoFixed:   a.FindingsAutoFixed - b.FindingsAutoFixed,
		FindingsEvicted:     a.FindingsEvicted - b.FindingsEvicted,
		PartitionsRecovered: a.PartitionsRecovered - b.PartitionsRecovered,
		DeadLetters:         a.DeadLetters - b.DeadLetters,
	}
}

func (m *MetricsWriter) log(level LogLevel, format string, args ...any) {
	if level < m.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	m.logger.Printf("%s %s metrics: %s", time.Now().Format(time.RFC3339), level.String(), msg)
}
