// Package daemon assembles the sift components into the background process:
// collector → scheduler → executor → pipeline → store, with the UDS control
// surface, the audit trail, and the periodic sweep around them.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/devsift/sift/internal/events"
	"github.com/devsift/sift/internal/executor"
	"github.com/devsift/sift/internal/lock"
	"github.com/devsift/sift/internal/model"
	"github.com/devsift/sift/internal/notify"
	"github.com/devsift/sift/internal/registry"
	"github.com/devsift/sift/internal/scheduler"
	"github.com/devsift/sift/internal/store"
	"github.com/devsift/sift/internal/uds"
)

// Version is reported by ping and the CLI version command.
const Version = "0.1.0"

// defaultTickInterval paces the periodic sweep: retention, metrics, and
// interval-agent dispatch.
const defaultTickInterval = 10 * time.Second

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Daemon is the long-running sift process for one project.
type Daemon struct {
	siftDir  string
	root     string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server

	bus       *events.Bus
	audit     *events.AuditLogger
	store     *store.Store
	registry  *registry.Registry
	exec      executor.Executor
	sched     *scheduler.Scheduler
	tracker   *ContextTracker
	collector *Collector
	pipeline  *Pipeline
	letters   *DeadLetterWriter
	metrics   *MetricsWriter

	notifyUnsub func()

	tickInterval time.Duration
	intervalLast map[string]time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	started  time.Time

	forceExit atomic.Bool
}

// New creates a daemon logging to .sift/logs/daemon.log. The config must
// already be validated.
func New(siftDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(siftDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(siftDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(siftDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	root := cfg.Project.Root
	if root == "" {
		root = filepath.Dir(siftDir)
	}

	d := &Daemon{
		siftDir:      siftDir,
		root:         root,
		config:       cfg,
		logLevel:     parseLogLevel(cfg.Daemon.LogLevel),
		logger:       log.New(w, "", 0),
		logFile:      closer,
		fileLock:     lock.NewFileLock(filepath.Join(siftDir, "locks", "daemon.lock")),
		server:       uds.NewServer(filepath.Join(siftDir, uds.DefaultSocketName)),
		tickInterval: defaultTickInterval,
		intervalLast: make(map[string]time.Time),
		ctx:          ctx,
		cancel:       cancel,
	}
	return d, nil
}

// SetExecutor substitutes the executor backend. Must be called before Run;
// tests use it to wire the fake.
func (d *Daemon) SetExecutor(exec executor.Executor) {
	d.exec = exec
}

// Run starts every component and blocks until a shutdown signal arrives.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// start brings the daemon up without blocking on signals. Failures release
// whatever was already acquired.
func (d *Daemon) start() error {
	if !d.config.Daemon.Enabled {
		return fmt.Errorf("daemon is disabled in config (daemon.enabled: false)")
	}
	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Step 1: singleton lock
	if err := os.MkdirAll(filepath.Join(d.siftDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d mode=%s root=%s", os.Getpid(), d.config.Daemon.Mode, d.root)

	// Step 2: bus and audit trail
	d.bus = events.NewBus(256)
	auditPath := filepath.Join(d.siftDir, "logs", "audit.jsonl")
	if total, valid, err := events.Verify(auditPath); err != nil {
		d.log(LogLevelWarn, "audit log verify: %v", err)
	} else if total > 0 {
		d.log(LogLevelInfo, "audit log verified entries=%d valid=%d", total, valid)
	}
	audit, err := events.NewAuditLogger(auditPath, events.DefaultMaxLogSize)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.bus.Subscribe(events.TypeAll, audit.Tail())

	// Step 3: store, with a recovery pass over whatever the last process
	// left behind
	st, err := store.New(store.Config{
		SiftDir:   d.siftDir,
		Retention: d.config.Retention,
		Bus:       d.bus,
		Logger:    d.logger,
	})
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st
	d.recoverStore()

	// Step 4: registry, executor, result pipeline
	d.registry = registry.New(&d.config)
	if d.exec == nil {
		d.exec = executor.NewSubprocess(d.root)
	}
	d.letters = NewDeadLetterWriter(d.siftDir, d.logger, d.logLevel)
	d.tracker = NewContextTracker(time.Duration(d.config.Watcher.RecentWindowMin) * time.Minute)
	d.pipeline = NewPipeline(d.root, d.config, d.store, d.tracker, d.letters, d.logger, d.logLevel)
	d.metrics = NewMetricsWriter(d.siftDir, d.logger, d.logLevel)

	// Step 5: scheduler
	sched, err := scheduler.New(scheduler.Config{
		Scheduler: d.config.Scheduler,
		Profile:   d.config.Profile(),
		Registry:  d.registry,
		Executor:  d.exec,
		Handler:   d.pipeline,
		Bus:       d.bus,
		Logger:    d.logger,
		LogLevel:  d.config.Daemon.LogLevel,
	})
	if err != nil {
		d.cleanup()
		return fmt.Errorf("start scheduler: %w", err)
	}
	d.sched = sched

	// Step 6: collector
	if d.config.Watcher.Enabled {
		collector, err := NewCollector(d.root, d.config.Watcher, d.onFileEvent, d.logger, d.logLevel)
		if err != nil {
			d.Shutdown()
			return fmt.Errorf("create collector: %w", err)
		}
		if err := collector.Start(); err != nil {
			d.Shutdown()
			return fmt.Errorf("start collector: %w", err)
		}
		d.collector = collector
	}

	// Step 7: notifier
	if d.config.Notify.Enabled {
		d.notifyUnsub = d.bus.Subscribe(events.TypeFindingStored, d.onFindingStored)
	}

	// Step 8: control surface
	d.server.SetLogger(d.logger)
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.Shutdown()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.siftDir, uds.DefaultSocketName))

	// Step 9: periodic sweep
	d.wg.Add(1)
	go d.tickLoop()

	d.started = time.Now()
	d.bus.Publish(events.TypeDaemonStarted, map[string]any{
		"pid":  os.Getpid(),
		"mode": d.config.Daemon.Mode,
	})
	d.log(LogLevelInfo, "daemon ready agents=%d", d.registry.Len())
	return nil
}

// recoverStore touches every partition and the index so that anything
// corrupted by a previous crash is quarantined and reinitialized before the
// first writer shows up.
func (d *Daemon) recoverStore() {
	for _, t := range model.AllTiers {
		if _, err := d.store.Tier(t); err != nil {
			d.log(LogLevelWarn, "partition %s unreadable at startup: %v", t, err)
		}
	}
	if _, err := d.store.Index(); err != nil {
		d.log(LogLevelWarn, "index unreadable at startup: %v", err)
	}
	if recovered := d.store.Counters().PartitionsRecovered; recovered > 0 {
		d.log(LogLevelWarn, "recovered %d corrupt partitions at startup", recovered)
	}
}

// onFileEvent feeds collector events into the tracker and the scheduler.
// Runs on the collector goroutine; Publish is non-blocking under the
// default reject policy.
func (d *Daemon) onFileEvent(ev model.Event) {
	if ev.Type == model.EventFileSaved {
		d.tracker.FileTouched(ev.Path)
	}
	if err := d.sched.Publish(ev); err != nil {
		d.log(LogLevelDebug, "publish %s %s: %v", ev.Type, ev.Path, err)
	}
}

// onFindingStored raises a desktop notification for immediate-tier findings.
func (d *Daemon) onFindingStored(ev events.Event) {
	if tier, _ := ev.Data["tier"].(string); tier != string(model.TierImmediate) {
		return
	}
	agent, _ := ev.Data["agent"].(string)
	file, _ := ev.Data["path"].(string)
	message, _ := ev.Data["message"].(string)
	if err := notify.Finding(agent, file, message); err != nil {
		d.log(LogLevelDebug, "notify: %v", err)
	}
}

// tickLoop drives the periodic work: retention sweep, metrics document,
// interval agents.
func (d *Daemon) tickLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			d.tick(now)
		}
	}
}

// tick runs one periodic pass. Split from the loop so tests can drive it
// directly.
func (d *Daemon) tick(now time.Time) {
	d.fireIntervalAgents(now)

	if evicted, err := d.store.Sweep(); err != nil {
		d.log(LogLevelWarn, "sweep: %v", err)
	} else if evicted > 0 {
		d.log(LogLevelInfo, "sweep evicted=%d", evicted)
	}

	depth := d.sched.Depths()
	if err := d.metrics.Update(depth, d.currentCounters()); err != nil {
		d.log(LogLevelWarn, "metrics: %v", err)
	}

	parts := make(map[model.Tier]model.Partition, len(model.AllTiers))
	for _, t := range model.AllTiers {
		if p, err := d.store.Tier(t); err == nil {
			parts[t] = p
		}
	}
	if err := d.metrics.UpdateDashboard(depth, parts); err != nil {
		d.log(LogLevelWarn, "dashboard: %v", err)
	}
}

// fireIntervalAgents synthesizes interval events for periodic agents whose
// cadence has elapsed. An agent never seen before is due immediately.
func (d *Daemon) fireIntervalAgents(now time.Time) {
	for _, desc := range d.registry.Interval() {
		last, seen := d.intervalLast[desc.Name]
		if seen && now.Sub(last) < time.Duration(desc.IntervalSec)*time.Second {
			continue
		}
		d.intervalLast[desc.Name] = now

		ev := model.Event{
			Type:      model.EventInterval,
			Timestamp: now.UTC().Format(time.RFC3339),
		}
		if err := d.sched.PublishFor(desc, ev); err != nil {
			d.log(LogLevelWarn, "interval agent %s: %v", desc.Name, err)
		} else {
			d.log(LogLevelDebug, "interval agent %s fired", desc.Name)
		}
	}
}

// currentCounters merges the per-subsystem counters into one document-ready
// snapshot.
func (d *Daemon) currentCounters() model.MetricsCounters {
	c := addCounters(d.sched.Counters(), d.store.Counters())
	c.DeadLetters = d.letters.Count()
	return c
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")
		if d.bus != nil {
			d.bus.Publish(events.TypeDaemonStopping, map[string]any{"pid": os.Getpid()})
		}

		// 1. Stop producing new work
		d.cancel()
		if d.collector != nil {
			d.collector.Stop()
		}
		if d.server != nil {
			d.server.Stop()
		}

		// 2. Drain the scheduler
		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		if d.sched != nil {
			d.sched.Stop()
			if err := d.sched.Drain(time.Duration(timeout) * time.Second); err != nil {
				d.log(LogLevelWarn, "%v, some runs may be incomplete", err)
			}
		}

		// 3. Wait for the tick loop
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds", timeout)
		}

		// 4. Final metrics snapshot while everything is still readable
		if d.metrics != nil && d.sched != nil {
			if err := d.metrics.Update(d.sched.Depths(), d.currentCounters()); err != nil {
				d.log(LogLevelWarn, "final metrics: %v", err)
			}
		}

		if d.exec != nil {
			if err := d.exec.Close(); err != nil {
				d.log(LogLevelWarn, "close executor: %v", err)
			}
		}
		if d.notifyUnsub != nil {
			d.notifyUnsub()
		}
		if d.bus != nil {
			d.bus.Close()
		}
		if d.audit != nil {
			if err := d.audit.Close(); err != nil {
				d.log(LogLevelWarn, "close audit log: %v", err)
			}
		}

		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources acquired during start.
func (d *Daemon) cleanup() {
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level.String(), msg)
}
