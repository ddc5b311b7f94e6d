package model

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func validConfig() Config {
	return Config{
		SchemaVersion: 1,
		FileType:      "config",
		Project:       ProjectConfig{Name: "demo", Root: "/tmp/demo"},
		Daemon: DaemonConfig{
			Enabled:            true,
			Mode:               ModeBalanced,
			LogLevel:           "info",
			ShutdownTimeoutSec: 20,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentAgents: 4,
			Queue:               QueueConfig{MaxDepth: 64, Policy: QueuePolicyReject},
			Retry:               RetryConfig{MaxAttempts: 3, BackoffBaseMs: 500, BackoffCapMs: 15000},
			PriorityAgingSec:    30,
		},
		AutoFix: AutoFixConfig{Enabled: true, MaxPerFile: 5},
		Retention: RetentionConfig{
			Immediate:  TierRetention{MaxCount: 50, MaxAge: "24h"},
			Relevant:   TierRetention{MaxCount: 100, MaxAge: "72h"},
			Background: TierRetention{MaxCount: 200, MaxAge: "168h"},
			AutoFixed:  TierRetention{MaxCount: 100, MaxAge: "24h"},
		},
		Watcher: WatcherConfig{Enabled: true, RecentWindowMin: 10},
		Agents: []AgentDescriptor{
			{
				Name:          "govet",
				Command:       []string{"go", "vet", "./..."},
				TriggerEvents: []string{EventFileSaved},
				FilePatterns:  []string{"*.go"},
				DebounceMs:    2000,
				TimeoutSec:    60,
				Weight:        1,
				Priority:      1,
				Enabled:       true,
			},
		},
	}
}

func TestConfigValidate_OK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestConfigValidate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"unknown mode", func(c *Config) { c.Daemon.Mode = "turbo" }, "unknown mode"},
		{"unknown log level", func(c *Config) { c.Daemon.LogLevel = "loud" }, "log_level"},
		{"negative shutdown timeout", func(c *Config) { c.Daemon.ShutdownTimeoutSec = -1 }, "shutdown_timeout_sec"},
		{"zero concurrency", func(c *Config) { c.Scheduler.MaxConcurrentAgents = 0 }, "max_concurrent_agents"},
		{"excess concurrency", func(c *Config) { c.Scheduler.MaxConcurrentAgents = 100 }, "max_concurrent_agents"},
		{"zero queue depth", func(c *Config) { c.Scheduler.Queue.MaxDepth = 0 }, "max_depth"},
		{"unknown queue policy", func(c *Config) { c.Scheduler.Queue.Policy = "drop" }, "queue.policy"},
		{"zero retry attempts", func(c *Config) { c.Scheduler.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"cap below base", func(c *Config) { c.Scheduler.Retry.BackoffCapMs = 1 }, "backoff_cap_ms"},
		{"negative auto fix cap", func(c *Config) { c.AutoFix.MaxPerFile = -1 }, "max_per_file"},
		{"bad retention age", func(c *Config) { c.Retention.Relevant.MaxAge = "soon" }, "max_age"},
		{"negative retention count", func(c *Config) { c.Retention.Background.MaxCount = -1 }, "max_count"},
		{"empty agent name", func(c *Config) { c.Agents[0].Name = "" }, "name"},
		{"duplicate agent name", func(c *Config) { c.Agents = append(c.Agents, c.Agents[0]) }, "duplicate"},
		{"empty command", func(c *Config) { c.Agents[0].Command = nil }, "command"},
		{"zero timeout", func(c *Config) { c.Agents[0].TimeoutSec = 0 }, "timeout_sec"},
		{"weight over pool", func(c *Config) { c.Agents[0].Weight = 10 }, "weight"},
		{"unknown trigger", func(c *Config) { c.Agents[0].TriggerEvents = []string{"file_blessed"} }, "trigger event"},
		{"bad pattern", func(c *Config) { c.Agents[0].FilePatterns = []string{"[oops"} }, "pattern"},
		{"unreachable agent", func(c *Config) {
			c.Agents[0].TriggerEvents = nil
			c.Agents[0].IntervalSec = 0
		}, "trigger_events or interval_sec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tt.wantSub)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := validConfig()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Config
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Daemon.Mode != ModeBalanced {
		t.Errorf("mode lost in round trip: %q", got.Daemon.Mode)
	}
	if len(got.Agents) != 1 || got.Agents[0].Name != "govet" {
		t.Errorf("agents lost in round trip: %+v", got.Agents)
	}
	if got.Retention.Background.MaxAge != "168h" {
		t.Errorf("retention lost in round trip: %+v", got.Retention)
	}
}

func TestModeProfiles(t *testing.T) {
	balanced, ok := ModeProfileFor(ModeBalanced)
	if !ok {
		t.Fatal("balanced profile missing")
	}
	if balanced.InterruptThreshold != 0.8 {
		t.Errorf("balanced interrupt threshold = %v, want 0.8", balanced.InterruptThreshold)
	}
	if balanced.DeferWarnings {
		t.Error("balanced must not defer warnings")
	}

	flow, _ := ModeProfileFor(ModeFlow)
	if !flow.DeferWarnings || flow.InterruptThreshold <= balanced.InterruptThreshold {
		t.Errorf("flow profile should interrupt less than balanced: %+v", flow)
	}

	quality, _ := ModeProfileFor(ModeQuality)
	if quality.AutoFixStyle {
		t.Error("quality mode surfaces style findings instead of silently fixing")
	}
	if quality.InterruptThreshold >= balanced.InterruptThreshold {
		t.Errorf("quality profile should interrupt more than balanced: %+v", quality)
	}

	if _, ok := ModeProfileFor("turbo"); ok {
		t.Error("unknown mode must not resolve")
	}
}

func TestTierRetention_MaxAgeDuration(t *testing.T) {
	r := TierRetention{MaxAge: "72h"}
	d, err := r.MaxAgeDuration()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Hours() != 72 {
		t.Errorf("got %v, want 72h", d)
	}

	if d, err := (TierRetention{}).MaxAgeDuration(); err != nil || d != 0 {
		t.Errorf("empty max_age should disable age eviction, got %v %v", d, err)
	}

	if _, err := (TierRetention{MaxAge: "-1h"}).MaxAgeDuration(); err == nil {
		t.Error("negative max_age must be rejected")
	}
}

func TestAgentDescriptor_Debounce(t *testing.T) {
	a := AgentDescriptor{DebounceMs: 250}
	if got := a.Debounce(0); got.Milliseconds() != 250 {
		t.Errorf("explicit debounce ignored: %v", got)
	}
	a.DebounceMs = 0
	cfg := validConfig()
	fallback := cfg.Profile().BatchInterval
	if got := a.Debounce(fallback); got != fallback {
		t.Errorf("fallback debounce not applied: %v", got)
	}
}

func TestWorkflowContextFingerprint(t *testing.T) {
	base := WorkflowContext{
		CurrentlyEditing: []string{"a.go", "b.go"},
		Phase:            PhaseCoding,
	}
	reordered := WorkflowContext{
		CurrentlyEditing: []string{"b.go", "a.go"},
		Phase:            PhaseCoding,
	}
	if base.Fingerprint() != reordered.Fingerprint() {
		t.Error("fingerprint must be order-independent within a set")
	}

	changed := base
	changed.Phase = PhasePreCommit
	if base.Fingerprint() == changed.Fingerprint() {
		t.Error("fingerprint must change with the phase")
	}

	active := base
	active.InActiveCoding = true
	if base.Fingerprint() == active.Fingerprint() {
		t.Error("fingerprint must change with in_active_coding")
	}
}

func TestValidators(t *testing.T) {
	if !ValidSeverity(SeverityWarning) || ValidSeverity("fatal") {
		t.Error("severity validation broken")
	}
	if !ValidTier(TierAutoFixed) || ValidTier("special") {
		t.Error("tier validation broken")
	}
	if !ValidEventType(EventInterval) || ValidEventType("file_opened") {
		t.Error("event type validation broken")
	}
	if !ValidPhase(PhaseReview) || ValidPhase("shipping") {
		t.Error("phase validation broken")
	}
}
