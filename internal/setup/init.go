// Package setup handles sift project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/devsift/sift/internal/model"
	yamlutil "github.com/devsift/sift/internal/yaml"
	"github.com/devsift/sift/templates"
)

const siftDirName = ".sift"

// Run initializes the .sift/ directory structure in the given project
// directory. projectName overrides the auto-detected name (defaults to the
// directory basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, siftDirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	// Create directory structure
	dirs := []string{
		"context",
		"state",
		"locks",
		"logs",
		"dead_letters",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	// Generate and write config.yaml with auto-filled fields. An invalid
	// template config is never written.
	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated config invalid: %w", err)
	}
	if err := yamlutil.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Create partition and index skeletons
	for _, tier := range model.AllTiers {
		path := filepath.Join(base, "context", string(tier)+".yaml")
		if err := writePartitionSkeleton(path, tier); err != nil {
			return fmt.Errorf("write %s partition: %w", tier, err)
		}
	}
	if err := writeIndexSkeleton(filepath.Join(base, "context", "index.yaml")); err != nil {
		return fmt.Errorf("write index.yaml: %w", err)
	}

	// Create state files
	if err := writeMetricsSkeleton(filepath.Join(base, "state", "metrics.yaml")); err != nil {
		return fmt.Errorf("write metrics.yaml: %w", err)
	}

	// Create daemon.lock (empty)
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	// Read template config as base
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	// Auto-fill fields
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Root = projectDir

	return &cfg, nil
}

func writePartitionSkeleton(path string, tier model.Tier) error {
	p := model.Partition{
		SchemaVersion:     yamlutil.CurrentSchemaVersion,
		FileType:          "context_" + string(tier),
		Count:             0,
		LastUpdated:       time.Now().UTC().Format(time.RFC3339),
		SeverityBreakdown: map[string]int{},
		Findings:          []model.Finding{},
	}
	return yamlutil.AtomicWrite(path, p)
}

func writeIndexSkeleton(path string) error {
	idx := model.Index{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "context_index",
		LastUpdated:   time.Now().UTC().Format(time.RFC3339),
		CheckNow: model.CheckNowSection{
			SeverityBreakdown: map[string]int{},
			Files:             []string{},
		},
	}
	return yamlutil.AtomicWrite(path, idx)
}

func writeMetricsSkeleton(path string) error {
	m := model.Metrics{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "state_metrics",
	}
	return yamlutil.AtomicWrite(path, m)
}
