// Package normalize converts raw agent stdout into canonical findings.
//
// The agent output contract is JSON on stdout: either a single array of
// finding objects or one object per line. Everything else an agent prints
// belongs on stderr and never reaches this package.
package normalize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/devsift/sift/internal/model"
)

// maxLineBytes bounds a single JSON-lines entry. Agents emitting more than
// this per finding are misbehaving.
const maxLineBytes = 1 << 20

// RawFinding is one entry of the agent output contract before defaulting
// and validation.
type RawFinding struct {
	File         string   `json:"file"`
	Line         int      `json:"line"`
	Column       int      `json:"column"`
	Severity     string   `json:"severity"`
	Blocking     bool     `json:"blocking"`
	Category     string   `json:"category"`
	Message      string   `json:"message"`
	Detail       string   `json:"detail"`
	Suggestion   string   `json:"suggestion"`
	AutoFixable  bool     `json:"auto_fixable"`
	ScopeType    string   `json:"scope_type"`
	RelatedFiles []string `json:"related_files"`
}

// RunInfo identifies the agent run whose output is being normalized.
type RunInfo struct {
	Agent     string
	EventPath string // project-relative path that triggered the run
	Root      string // absolute project root, used to relativize paths
	Timestamp time.Time
}

// Parse decodes agent stdout. Both supported shapes decode to the same
// slice: a single JSON array, or one JSON object per line. Empty output is
// a successful run with no findings.
func Parse(stdout []byte) ([]RawFinding, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var findings []RawFinding
		if err := json.Unmarshal(trimmed, &findings); err != nil {
			return nil, fmt.Errorf("decode findings array: %w", err)
		}
		return findings, nil
	}

	var findings []RawFinding
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f RawFinding
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode finding on line %d: %w", lineNo, err)
		}
		findings = append(findings, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan findings output: %w", err)
	}
	return findings, nil
}

// Canonicalize converts one raw finding into its persisted form. The file
// path falls back to the triggering path and is stored project-relative;
// an unknown severity degrades to info rather than failing the run. The
// returned finding carries no tier or relevance yet.
func Canonicalize(raw RawFinding, info RunInfo) (model.Finding, error) {
	message := strings.TrimSpace(raw.Message)
	if message == "" {
		return model.Finding{}, fmt.Errorf("finding from agent %q has no message", info.Agent)
	}

	file := relativePath(raw.File, info)
	if file == "" {
		return model.Finding{}, fmt.Errorf("finding from agent %q has no file and no triggering path", info.Agent)
	}

	line := raw.Line
	if line < 0 {
		line = 0
	}
	column := raw.Column
	if column < 0 {
		column = 0
	}
	category := raw.Category
	if category == "" {
		category = "general"
	}

	return model.Finding{
		ID:           model.FindingFingerprint(info.Agent, file, line, category, message),
		Agent:        info.Agent,
		Timestamp:    info.Timestamp.UTC().Format(time.RFC3339),
		File:         file,
		Line:         line,
		Column:       column,
		Severity:     severityOf(raw.Severity),
		Blocking:     raw.Blocking,
		Category:     category,
		Message:      message,
		Detail:       raw.Detail,
		Suggestion:   raw.Suggestion,
		AutoFixable:  raw.AutoFixable,
		ScopeType:    raw.ScopeType,
		RelatedFiles: relativizeAll(raw.RelatedFiles, info),
	}, nil
}

// Findings parses stdout and canonicalizes every entry. Malformed entries
// are dropped rather than failing the run; the second return reports how
// many, so the caller can log it.
func Findings(stdout []byte, info RunInfo) ([]model.Finding, int, error) {
	raws, err := Parse(stdout)
	if err != nil {
		return nil, 0, err
	}

	findings := make([]model.Finding, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		f, err := Canonicalize(raw, info)
		if err != nil {
			dropped++
			continue
		}
		findings = append(findings, f)
	}
	return findings, dropped, nil
}

// AgentFailure synthesizes the finding recorded when an agent exhausts its
// retry budget. It flows through scoring and storage like any agent output.
func AgentFailure(agent, path string, attempts int, lastErr string, at time.Time) model.Finding {
	message := fmt.Sprintf("agent %s failed after %d attempts", agent, attempts)
	return model.Finding{
		ID:        model.FindingFingerprint(agent, path, 0, model.CategoryAgentFailure, message),
		Agent:     agent,
		Timestamp: at.UTC().Format(time.RFC3339),
		File:      path,
		Severity:  model.SeverityError,
		Category:  model.CategoryAgentFailure,
		Message:   message,
		Detail:    lastErr,
		IsNew:     true,
	}
}

func severityOf(s string) model.Severity {
	sev := model.Severity(strings.ToLower(s))
	if model.ValidSeverity(sev) {
		return sev
	}
	return model.SeverityInfo
}

func relativePath(file string, info RunInfo) string {
	if file == "" {
		file = info.EventPath
	}
	if file == "" {
		return ""
	}
	if filepath.IsAbs(file) && info.Root != "" {
		if rel, err := filepath.Rel(info.Root, file); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.Clean(rel)
		}
	}
	return filepath.Clean(file)
}

func relativizeAll(files []string, info RunInfo) []string {
	if len(files) == 0 {
		return nil
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		if f == "" {
			continue
		}
		out = append(out, relativePath(f, info))
	}
	return out
}
