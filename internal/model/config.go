// Package model defines the data structures for sift's configuration, findings,
// workflow context, and scheduler state.
package model

import (
	"fmt"
	"path/filepath"
	"time"
)

type Config struct {
	SchemaVersion int               `yaml:"schema_version"`
	FileType      string            `yaml:"file_type"`
	Project       ProjectConfig     `yaml:"project"`
	Daemon        DaemonConfig      `yaml:"daemon"`
	Scheduler     SchedulerConfig   `yaml:"scheduler"`
	AutoFix       AutoFixConfig     `yaml:"auto_fix"`
	Retention     RetentionConfig   `yaml:"retention"`
	Watcher       WatcherConfig     `yaml:"watcher"`
	Notify        NotifyConfig      `yaml:"notify"`
	Agents        []AgentDescriptor `yaml:"agents"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
}

type DaemonConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Mode               string `yaml:"mode"`
	LogLevel           string `yaml:"log_level"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type SchedulerConfig struct {
	MaxConcurrentAgents int         `yaml:"max_concurrent_agents"`
	Queue               QueueConfig `yaml:"queue"`
	Retry               RetryConfig `yaml:"retry"`
	PriorityAgingSec    int         `yaml:"priority_aging_sec"`
}

type QueueConfig struct {
	MaxDepth int    `yaml:"max_depth"`
	Policy   string `yaml:"policy"` // "reject" or "block"
}

type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffCapMs  int `yaml:"backoff_cap_ms"`
}

type AutoFixConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Categories          []string `yaml:"categories"` // empty = all categories
	MaxPerFile          int      `yaml:"max_per_file"`
	RequireConfirmation bool     `yaml:"require_confirmation"`
}

type RetentionConfig struct {
	Immediate  TierRetention `yaml:"immediate"`
	Relevant   TierRetention `yaml:"relevant"`
	Background TierRetention `yaml:"background"`
	AutoFixed  TierRetention `yaml:"auto_fixed"`
}

type TierRetention struct {
	MaxCount int    `yaml:"max_count"`
	MaxAge   string `yaml:"max_age"` // duration string, "" = unlimited
}

// MaxAgeDuration parses MaxAge. An empty string disables age-based eviction.
func (r TierRetention) MaxAgeDuration() (time.Duration, error) {
	if r.MaxAge == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("invalid max_age %q: %w", r.MaxAge, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("max_age must be positive, got %q", r.MaxAge)
	}
	return d, nil
}

// ForTier returns the retention settings for the given tier.
func (rc RetentionConfig) ForTier(t Tier) TierRetention {
	switch t {
	case TierImmediate:
		return rc.Immediate
	case TierRelevant:
		return rc.Relevant
	case TierBackground:
		return rc.Background
	case TierAutoFixed:
		return rc.AutoFixed
	}
	return TierRetention{}
}

type WatcherConfig struct {
	Enabled         bool     `yaml:"enabled"`
	RecentWindowMin int      `yaml:"recent_window_min"`
	Ignore          []string `yaml:"ignore"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AgentDescriptor describes one analysis agent. Immutable after registration.
type AgentDescriptor struct {
	Name          string   `yaml:"name"`
	Command       []string `yaml:"command"`
	TriggerEvents []string `yaml:"trigger_events"`
	FilePatterns  []string `yaml:"file_patterns"` // empty = all files
	DebounceMs    int      `yaml:"debounce_ms"`   // 0 = mode batch_interval
	TimeoutSec    int      `yaml:"timeout_sec"`
	Weight        int      `yaml:"weight"`       // concurrency weight against the pool
	Priority      int      `yaml:"priority"`     // lower dispatches sooner
	IntervalSec   int      `yaml:"interval_sec"` // >0 = periodic agent
	Enabled       bool     `yaml:"enabled"`
}

// Timeout returns the per-run execution deadline.
func (a AgentDescriptor) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

// Debounce returns the settle window, falling back to the mode default when unset.
func (a AgentDescriptor) Debounce(fallback time.Duration) time.Duration {
	if a.DebounceMs > 0 {
		return time.Duration(a.DebounceMs) * time.Millisecond
	}
	return fallback
}

// ModeProfile is the expansion of a daemon mode into tier-policy knobs.
type ModeProfile struct {
	InterruptThreshold float64
	AutoFixStyle       bool
	DeferWarnings      bool
	BatchInterval      time.Duration
}

const (
	ModeFlow     = "flow"
	ModeBalanced = "balanced"
	ModeQuality  = "quality"
)

var modeProfiles = map[string]ModeProfile{
	ModeFlow:     {InterruptThreshold: 0.9, AutoFixStyle: true, DeferWarnings: true, BatchInterval: 30 * time.Second},
	ModeBalanced: {InterruptThreshold: 0.8, AutoFixStyle: true, DeferWarnings: false, BatchInterval: 10 * time.Second},
	ModeQuality:  {InterruptThreshold: 0.65, AutoFixStyle: false, DeferWarnings: false, BatchInterval: 3 * time.Second},
}

// ModeProfileFor returns the expansion for a mode name.
func ModeProfileFor(mode string) (ModeProfile, bool) {
	p, ok := modeProfiles[mode]
	return p, ok
}

// Profile returns the expansion of the configured mode. Call Validate first.
func (c *Config) Profile() ModeProfile {
	return modeProfiles[c.Daemon.Mode]
}

const (
	QueuePolicyReject = "reject"
	QueuePolicyBlock  = "block"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validQueuePolicies = map[string]bool{
	QueuePolicyReject: true,
	QueuePolicyBlock:  true,
}

const maxConcurrentAgentsLimit = 64

// Validate checks the configuration for startup. The daemon refuses to run
// against a config that fails any of these checks.
func (c *Config) Validate() error {
	if _, ok := modeProfiles[c.Daemon.Mode]; !ok {
		return fmt.Errorf("unknown mode %q (want flow, balanced, or quality)", c.Daemon.Mode)
	}
	if c.Daemon.LogLevel != "" && !validLogLevels[c.Daemon.LogLevel] {
		return fmt.Errorf("unknown log_level %q", c.Daemon.LogLevel)
	}
	if c.Daemon.ShutdownTimeoutSec < 0 {
		return fmt.Errorf("shutdown_timeout_sec must be >= 0, got %d", c.Daemon.ShutdownTimeoutSec)
	}

	s := c.Scheduler
	if s.MaxConcurrentAgents < 1 || s.MaxConcurrentAgents > maxConcurrentAgentsLimit {
		return fmt.Errorf("max_concurrent_agents must be 1-%d, got %d", maxConcurrentAgentsLimit, s.MaxConcurrentAgents)
	}
	if s.Queue.MaxDepth < 1 {
		return fmt.Errorf("queue.max_depth must be >= 1, got %d", s.Queue.MaxDepth)
	}
	if !validQueuePolicies[s.Queue.Policy] {
		return fmt.Errorf("unknown queue.policy %q (want reject or block)", s.Queue.Policy)
	}
	if s.Retry.MaxAttempts < 1 || s.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts must be 1-10, got %d", s.Retry.MaxAttempts)
	}
	if s.Retry.BackoffBaseMs < 1 {
		return fmt.Errorf("retry.backoff_base_ms must be >= 1, got %d", s.Retry.BackoffBaseMs)
	}
	if s.Retry.BackoffCapMs < s.Retry.BackoffBaseMs {
		return fmt.Errorf("retry.backoff_cap_ms must be >= backoff_base_ms, got %d", s.Retry.BackoffCapMs)
	}
	if s.PriorityAgingSec < 0 {
		return fmt.Errorf("priority_aging_sec must be >= 0, got %d", s.PriorityAgingSec)
	}

	if c.AutoFix.MaxPerFile < 0 {
		return fmt.Errorf("auto_fix.max_per_file must be >= 0, got %d", c.AutoFix.MaxPerFile)
	}

	for _, tier := range AllTiers {
		r := c.Retention.ForTier(tier)
		if r.MaxCount < 0 {
			return fmt.Errorf("retention.%s.max_count must be >= 0, got %d", tier, r.MaxCount)
		}
		if _, err := r.MaxAgeDuration(); err != nil {
			return fmt.Errorf("retention.%s: %w", tier, err)
		}
	}

	if c.Watcher.RecentWindowMin < 0 {
		return fmt.Errorf("watcher.recent_window_min must be >= 0, got %d", c.Watcher.RecentWindowMin)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name must not be empty", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
		if len(a.Command) == 0 {
			return fmt.Errorf("agent %q: command must not be empty", a.Name)
		}
		if a.TimeoutSec < 1 {
			return fmt.Errorf("agent %q: timeout_sec must be >= 1, got %d", a.Name, a.TimeoutSec)
		}
		if a.Weight < 1 || a.Weight > s.MaxConcurrentAgents {
			return fmt.Errorf("agent %q: weight must be 1-%d, got %d", a.Name, s.MaxConcurrentAgents, a.Weight)
		}
		if a.DebounceMs < 0 {
			return fmt.Errorf("agent %q: debounce_ms must be >= 0, got %d", a.Name, a.DebounceMs)
		}
		if a.IntervalSec < 0 {
			return fmt.Errorf("agent %q: interval_sec must be >= 0, got %d", a.Name, a.IntervalSec)
		}
		if a.Priority < 0 {
			return fmt.Errorf("agent %q: priority must be >= 0, got %d", a.Name, a.Priority)
		}
		if len(a.TriggerEvents) == 0 && a.IntervalSec == 0 {
			return fmt.Errorf("agent %q: needs trigger_events or interval_sec", a.Name)
		}
		for _, ev := range a.TriggerEvents {
			if !validEventTypes[ev] {
				return fmt.Errorf("agent %q: unknown trigger event %q", a.Name, ev)
			}
		}
		for _, pat := range a.FilePatterns {
			if _, err := filepath.Match(pat, "probe"); err != nil {
				return fmt.Errorf("agent %q: bad file pattern %q: %w", a.Name, pat, err)
			}
		}
	}

	return nil
}
