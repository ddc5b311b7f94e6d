package score

import "github.com/devsift/sift/internal/model"

// relevantThreshold is the fixed lower bound of the relevant tier. Only the
// immediate threshold varies by mode.
const relevantThreshold = 0.4

// Policy parameterizes tier assignment. It is derived from the config once
// per evaluation and passed by value, keeping assignment pure.
type Policy struct {
	InterruptThreshold  float64
	AutoFixStyle        bool
	DeferWarnings       bool
	AutoFixEnabled      bool
	RequireConfirmation bool
	AutoFixCategories   []string
}

// PolicyFrom derives the tier policy from a validated config, folding the
// mode profile together with the auto-fix settings.
func PolicyFrom(cfg *model.Config) Policy {
	profile := cfg.Profile()
	return Policy{
		InterruptThreshold:  profile.InterruptThreshold,
		AutoFixStyle:        profile.AutoFixStyle,
		DeferWarnings:       profile.DeferWarnings,
		AutoFixEnabled:      cfg.AutoFix.Enabled,
		RequireConfirmation: cfg.AutoFix.RequireConfirmation,
		AutoFixCategories:   cfg.AutoFix.Categories,
	}
}

// AssignTier classifies a scored finding into a disclosure tier. Rules are
// evaluated top to bottom and the first match wins:
//
//  1. blocking findings are immediate regardless of score
//  2. score at or above the interrupt threshold is immediate
//  3. score in [0.4, threshold) is relevant, unless the mode defers warnings
//  4. low-scoring auto-fixable style findings are auto-fixed when allowed
//  5. everything else is background
func AssignTier(relevance float64, f model.Finding, p Policy) model.Tier {
	if f.Blocking {
		return model.TierImmediate
	}
	if relevance >= p.InterruptThreshold {
		return model.TierImmediate
	}
	if relevance >= relevantThreshold {
		if p.DeferWarnings && f.Severity == model.SeverityWarning {
			return model.TierBackground
		}
		return model.TierRelevant
	}
	if f.AutoFixable && f.Severity == model.SeverityStyle && p.allowsAutoFix(f.Category) {
		return model.TierAutoFixed
	}
	return model.TierBackground
}

// Apply scores a finding and stamps both the relevance and the resulting
// tier onto it. All ingestion and rescoring paths go through here so the
// two fields can never disagree.
func Apply(f *model.Finding, wc model.WorkflowContext, p Policy) {
	f.RelevanceScore = Score(*f, wc)
	f.Tier = AssignTier(f.RelevanceScore, *f, p)
}

// allowsAutoFix reports whether findings of the given category may be
// auto-fixed. Confirmation-gated setups never silently fix: those findings
// fall through to the background tier instead.
func (p Policy) allowsAutoFix(category string) bool {
	if !p.AutoFixEnabled || !p.AutoFixStyle || p.RequireConfirmation {
		return false
	}
	if len(p.AutoFixCategories) == 0 {
		return true
	}
	for _, c := range p.AutoFixCategories {
		if c == category {
			return true
		}
	}
	return false
}
