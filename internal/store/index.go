package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devsift/sift/internal/model"
	yamlutil "github.com/devsift/sift/internal/yaml"
)

const previewMaxLen = 120

// regenerateIndex rebuilds index.yaml from the committed partitions. Regens
// serialize on the index mutex; each pass reads the latest committed state,
// so the final regen after racing commits reflects all of them. auto_fixed
// findings are deliberately absent from the index.
func (s *Store) regenerateIndex() error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	parts := make(map[model.Tier]model.Partition, len(model.AllTiers))
	for _, t := range model.AllTiers {
		key := string(t)
		s.locks.Lock(key)
		parts[t] = s.loadPartitionLocked(t)
		s.locks.Unlock(key)
	}

	idx := model.Index{
		SchemaVersion:     yamlutil.CurrentSchemaVersion,
		FileType:          "context_index",
		LastUpdated:       time.Now().UTC().Format(time.RFC3339),
		CheckNow:          checkNowSection(parts[model.TierImmediate]),
		MentionIfRelevant: mentionSection(parts[model.TierRelevant]),
		Deferred:          deferredSection(parts[model.TierBackground]),
	}
	return yamlutil.AtomicWrite(s.indexPath(), &idx)
}

func checkNowSection(p model.Partition) model.CheckNowSection {
	files := make([]string, 0, len(p.Findings))
	seen := make(map[string]bool, len(p.Findings))
	for _, f := range p.Findings {
		if f.File != "" && !seen[f.File] {
			seen[f.File] = true
			files = append(files, f.File)
		}
	}
	sort.Strings(files)

	return model.CheckNowSection{
		Count:             len(p.Findings),
		SeverityBreakdown: severityBreakdown(p.Findings),
		Files:             files,
		Preview:           previewLine(p.Findings),
	}
}

// previewLine renders the newest immediate finding as "file:line message".
func previewLine(findings []model.Finding) string {
	if len(findings) == 0 {
		return ""
	}
	f := findings[0]
	var preview string
	switch {
	case f.File != "" && f.Line > 0:
		preview = fmt.Sprintf("%s:%d %s", f.File, f.Line, f.Message)
	case f.File != "":
		preview = fmt.Sprintf("%s %s", f.File, f.Message)
	default:
		preview = f.Message
	}
	if len(preview) > previewMaxLen {
		preview = preview[:previewMaxLen-3] + "..."
	}
	return preview
}

func mentionSection(p model.Partition) model.MentionSection {
	categories := make([]string, 0)
	seen := make(map[string]bool, len(p.Findings))
	for _, f := range p.Findings {
		if f.Category != "" && !seen[f.Category] {
			seen[f.Category] = true
			categories = append(categories, f.Category)
		}
	}
	sort.Strings(categories)

	summary := ""
	if n := len(p.Findings); n > 0 {
		if len(categories) > 0 {
			summary = fmt.Sprintf("%s in %s", countNoun(n, "finding"), strings.Join(categories, ", "))
		} else {
			summary = countNoun(n, "finding") + " worth mentioning"
		}
	}
	return model.MentionSection{
		Count:      len(p.Findings),
		Categories: categories,
		Summary:    summary,
	}
}

func deferredSection(p model.Partition) model.DeferredSection {
	summary := ""
	if n := len(p.Findings); n > 0 {
		summary = countNoun(n, "finding") + " deferred for later review"
	}
	return model.DeferredSection{
		Count:   len(p.Findings),
		Summary: summary,
	}
}

func countNoun(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
