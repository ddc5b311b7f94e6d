package daemon

import (
	"fmt"
	"log"
	"time"

	"github.com/devsift/sift/internal/executor"
	"github.com/devsift/sift/internal/model"
	"github.com/devsift/sift/internal/normalize"
	"github.com/devsift/sift/internal/scheduler"
	"github.com/devsift/sift/internal/score"
	"github.com/devsift/sift/internal/store"
)

// Pipeline turns raw run output into stored findings. It is the scheduler's
// ResultHandler: completed runs are normalized, scored against the tracker's
// current context, tier-assigned, and upserted; exhausted runs produce a dead
// letter plus a synthesized agent_failure finding through the same path.
type Pipeline struct {
	root    string
	autoFix model.AutoFixConfig
	policy  score.Policy
	store   *store.Store
	tracker *ContextTracker
	letters *DeadLetterWriter

	logger   *log.Logger
	logLevel LogLevel
}

func NewPipeline(root string, cfg model.Config, st *store.Store, tracker *ContextTracker, letters *DeadLetterWriter, logger *log.Logger, level LogLevel) *Pipeline {
	return &Pipeline{
		root:     root,
		autoFix:  cfg.AutoFix,
		policy:   score.PolicyFrom(&cfg),
		store:    st,
		tracker:  tracker,
		letters:  letters,
		logger:   logger,
		logLevel: level,
	}
}

// HandleResult ingests the output of one completed run.
func (p *Pipeline) HandleResult(run scheduler.Run, res *executor.Result) {
	wc := p.tracker.Snapshot()
	info := normalize.RunInfo{
		Agent:     run.Agent,
		EventPath: run.Path,
		Root:      p.root,
		Timestamp: time.Now(),
	}

	findings, dropped, err := normalize.Findings(res.Stdout, info)
	if err != nil {
		p.log(LogLevelWarn, "unparseable output agent=%s path=%s exit=%d: %v", run.Agent, run.Path, res.ExitCode, err)
		return
	}
	if dropped > 0 {
		p.log(LogLevelWarn, "dropped %d malformed findings agent=%s path=%s", dropped, run.Agent, run.Path)
	}
	if len(res.Stderr) > 0 {
		p.log(LogLevelDebug, "agent=%s stderr=%q", run.Agent, truncate(string(res.Stderr), 200))
	}

	for _, f := range findings {
		p.ingest(f, wc, run.Path)
	}
	p.log(LogLevelInfo, "run=%s agent=%s path=%s findings=%d duration=%s", run.ID, run.Agent, run.Path, len(findings), res.Duration.Round(time.Millisecond))
}

// HandleExhausted records the dead letter and surfaces the failure to the
// developer as a regular finding.
func (p *Pipeline) HandleExhausted(run scheduler.Run, lastErr error) {
	if err := p.letters.Write(run, lastErr); err != nil {
		p.log(LogLevelError, "%v", err)
	}

	f := normalize.AgentFailure(run.Agent, run.Path, run.Attempt, lastErr.Error(), time.Now())
	p.ingest(f, p.tracker.Snapshot(), run.Path)
	p.log(LogLevelError, "agent %s exhausted retries path=%s attempts=%d: %v", run.Agent, run.Path, run.Attempt, lastErr)
}

// ingest stamps the context-dependent fields, scores, applies the per-file
// auto-fix cap, and commits.
func (p *Pipeline) ingest(f model.Finding, wc model.WorkflowContext, eventPath string) {
	f.IsNew = !p.store.Has(f.ID)
	f.CausedByRecentChange = f.File == eventPath || containsPath(wc.RecentlyModified, f.File)

	score.Apply(&f, wc, p.policy)

	if f.Tier == model.TierAutoFixed && p.autoFixCapReached(f) {
		// cap overflow keeps the finding visible instead of silently fixing it
		f.Tier = model.TierBackground
	}

	if err := p.store.Upsert(f); err != nil {
		p.log(LogLevelError, "upsert %s: %v", f.ID, err)
	}
}

// autoFixCapReached reports whether the file already carries max_per_file
// auto-fixed findings. A cap of zero or below disables the limit.
func (p *Pipeline) autoFixCapReached(f model.Finding) bool {
	if p.autoFix.MaxPerFile <= 0 {
		return false
	}
	part, err := p.store.Tier(model.TierAutoFixed)
	if err != nil {
		return false
	}
	n := 0
	for _, existing := range part.Findings {
		if existing.File == f.File && existing.ID != f.ID {
			n++
		}
	}
	return n >= p.autoFix.MaxPerFile
}

func containsPath(paths []string, file string) bool {
	for _, p := range paths {
		if p == file {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (p *Pipeline) log(level LogLevel, format string, args ...any) {
	if level < p.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	p.logger.Printf("%s %s pipeline: %s", time.Now().Format(time.RFC3339), level.String(), msg)
}
