package daemon

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devsift/sift/internal/model"
)

func TestNewDaemon(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Daemon: model.DaemonConfig{Enabled: true, Mode: model.ModeBalanced, LogLevel: "debug", ShutdownTimeoutSec: 10},
	}

	d, err := newDaemon("/tmp/test-sift/.sift", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.siftDir != "/tmp/test-sift/.sift" {
		t.Errorf("siftDir: got %q, want %q", d.siftDir, "/tmp/test-sift/.sift")
	}
	if d.root != "/tmp/test-sift" {
		t.Errorf("root: got %q, want parent of sift dir", d.root)
	}
	if d.logLevel != LogLevelDebug {
		t.Errorf("logLevel: got %d, want %d", d.logLevel, LogLevelDebug)
	}
}

func TestNewDaemon_ExplicitProjectRoot(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Project: model.ProjectConfig{Root: "/workspace/app"},
		Daemon:  model.DaemonConfig{Enabled: true, Mode: model.ModeBalanced},
	}

	d, err := newDaemon("/workspace/app/.sift", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.root != "/workspace/app" {
		t.Errorf("root: got %q, want configured project root", d.root)
	}
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Daemon: model.DaemonConfig{Enabled: true, Mode: model.ModeBalanced, ShutdownTimeoutSec: 1},
	}

	d, err := newDaemon(t.TempDir(), cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Shutdown should be idempotent
	d.Shutdown()
	d.Shutdown() // second call should not panic
}

func TestStart_DisabledConfig(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Daemon: model.DaemonConfig{Enabled: false, Mode: model.ModeBalanced},
	}

	d, err := newDaemon(t.TempDir(), cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.start(); err == nil {
		t.Fatal("expected error for disabled daemon")
	} else if !strings.Contains(err.Error(), "disabled") {
		t.Errorf("error = %v, want mention of disabled", err)
	}
}

func TestStart_InvalidConfig(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Daemon: model.DaemonConfig{Enabled: true, Mode: "turbo"},
	}

	d, err := newDaemon(t.TempDir(), cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.start(); err == nil {
		t.Fatal("expected error for unknown mode")
	} else if !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("error = %v, want invalid config", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"unknown", LogLevelInfo},
		{"", LogLevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLogLevel(tt.input)
			if got != tt.expected {
				t.Errorf("parseLogLevel(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LogLevelDebug, "DEBUG"},
		{LogLevelInfo, "INFO"},
		{LogLevelWarn, "WARN"},
		{LogLevelError, "ERROR"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDaemonLog(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Daemon: model.DaemonConfig{Enabled: true, Mode: model.ModeBalanced, LogLevel: "warn"},
	}

	d, err := newDaemon("", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Info should be filtered
	d.log(LogLevelInfo, "should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	// Warn should pass
	d.log(LogLevelWarn, "warning message")
	if !bytes.Contains(buf.Bytes(), []byte("WARN")) {
		t.Errorf("expected WARN in output, got: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("daemon:")) {
		t.Errorf("expected component prefix, got: %s", buf.String())
	}
}

func TestDaemonNew_CreatesLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	siftDir := filepath.Join(tmpDir, ".sift")
	if err := os.MkdirAll(siftDir, 0755); err != nil {
		t.Fatalf("create sift dir: %v", err)
	}

	cfg := model.Config{Daemon: model.DaemonConfig{Enabled: true, Mode: model.ModeBalanced}}
	d, err := New(siftDir, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.logFile != nil {
		d.logFile.Close()
	}

	logDir := filepath.Join(siftDir, "logs")
	if _, err := os.Stat(logDir); err != nil {
		t.Errorf("expected log dir to be created: %v", err)
	}
}
