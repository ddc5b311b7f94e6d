// Package score computes finding relevance against the current workflow
// context and assigns disclosure tiers. Everything here is pure: identical
// inputs always produce identical outputs, and nothing is retained between
// calls.
package score

import (
	"path/filepath"

	"github.com/devsift/sift/internal/model"
)

// Scoring weights. Each category contributes its single highest-matching
// condition, not a sum of matches within the category.
const (
	fileEditingWeight = 0.5
	fileRecentWeight  = 0.3
	fileRelatedWeight = 0.2

	severityBlockingWeight = 0.4
	severityErrorWeight    = 0.3
	severityWarningWeight  = 0.15
	severityInfoWeight     = 0.05

	freshnessCausedWeight = 0.3
	freshnessNewWeight    = 0.15

	intentOverrideWeight = 0.5
	preCommitBonus       = 0.2
	activeCodingPenalty  = 0.2
)

// Score computes the relevance of a finding for the given workflow context.
// The intermediate sum may leave [0,1] (intent override pushes above, the
// active-coding penalty below); a single clamp at the end bounds the result.
func Score(f model.Finding, wc model.WorkflowContext) float64 {
	sum := fileScopeTerm(f, wc) + severityTerm(f) + freshnessTerm(f)

	if containsString(wc.ExplicitRequestCategories, f.Category) {
		sum += intentOverrideWeight
	}
	if wc.Phase == model.PhasePreCommit {
		sum += preCommitBonus
	}
	if wc.InActiveCoding {
		sum -= activeCodingPenalty
	}

	return clamp01(sum)
}

func fileScopeTerm(f model.Finding, wc model.WorkflowContext) float64 {
	switch {
	case containsPath(wc.CurrentlyEditing, f.File):
		return fileEditingWeight
	case containsPath(wc.RecentlyModified, f.File):
		return fileRecentWeight
	case containsPath(wc.RelatedFiles, f.File):
		return fileRelatedWeight
	}
	return 0
}

func severityTerm(f model.Finding) float64 {
	if f.Blocking {
		return severityBlockingWeight
	}
	switch f.Severity {
	case model.SeverityError:
		return severityErrorWeight
	case model.SeverityWarning:
		return severityWarningWeight
	case model.SeverityInfo:
		return severityInfoWeight
	}
	// style carries no severity weight
	return 0
}

func freshnessTerm(f model.Finding) float64 {
	switch {
	case f.IsNew && f.CausedByRecentChange:
		return freshnessCausedWeight
	case f.IsNew:
		return freshnessNewWeight
	}
	return 0
}

func containsPath(paths []string, file string) bool {
	cleaned := filepath.Clean(file)
	for _, p := range paths {
		if filepath.Clean(p) == cleaned {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, item := range set {
		if item == s {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
