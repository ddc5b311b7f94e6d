package score

import (
	"testing"

	"github.com/devsift/sift/internal/model"
	"github.com/stretchr/testify/assert"
)

func codingContext() model.WorkflowContext {
	return model.WorkflowContext{
		CurrentlyEditing: []string{"internal/auth/login.go"},
		RecentlyModified: []string{"internal/auth/session.go"},
		RelatedFiles:     []string{"internal/auth/token.go"},
		Phase:            model.PhaseCoding,
	}
}

func TestScore_FileScope(t *testing.T) {
	wc := codingContext()

	testCases := []struct {
		name     string
		file     string
		expected float64
	}{
		{"currently editing", "internal/auth/login.go", 0.5},
		{"recently modified", "internal/auth/session.go", 0.3},
		{"related file", "internal/auth/token.go", 0.2},
		{"unrelated file", "cmd/sift/main.go", 0.0},
		{"editing wins over dotted path form", "./internal/auth/login.go", 0.5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := model.Finding{File: tc.file, Severity: model.SeverityStyle}
			assert.InDelta(t, tc.expected, Score(f, wc), 1e-9)
		})
	}
}

func TestScore_FileScopeSingleBestMatch(t *testing.T) {
	// A file listed in every scope bucket contributes only the editing weight.
	wc := model.WorkflowContext{
		CurrentlyEditing: []string{"pkg/a.go"},
		RecentlyModified: []string{"pkg/a.go"},
		RelatedFiles:     []string{"pkg/a.go"},
		Phase:            model.PhaseCoding,
	}
	f := model.Finding{File: "pkg/a.go", Severity: model.SeverityStyle}
	assert.InDelta(t, 0.5, Score(f, wc), 1e-9)
}

func TestScore_Severity(t *testing.T) {
	wc := model.WorkflowContext{Phase: model.PhaseCoding}

	testCases := []struct {
		name     string
		severity model.Severity
		blocking bool
		expected float64
	}{
		{"blocking overrides severity", model.SeverityInfo, true, 0.4},
		{"error", model.SeverityError, false, 0.3},
		{"warning", model.SeverityWarning, false, 0.15},
		{"info", model.SeverityInfo, false, 0.05},
		{"style", model.SeverityStyle, false, 0.0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := model.Finding{File: "pkg/x.go", Severity: tc.severity, Blocking: tc.blocking}
			assert.InDelta(t, tc.expected, Score(f, wc), 1e-9)
		})
	}
}

func TestScore_Freshness(t *testing.T) {
	wc := model.WorkflowContext{Phase: model.PhaseCoding}

	testCases := []struct {
		name     string
		isNew    bool
		caused   bool
		expected float64
	}{
		{"new and caused by recent change", true, true, 0.3},
		{"new only", true, false, 0.15},
		{"caused flag without new contributes nothing", false, true, 0.0},
		{"pre-existing", false, false, 0.0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := model.Finding{
				File:                 "pkg/x.go",
				Severity:             model.SeverityStyle,
				IsNew:                tc.isNew,
				CausedByRecentChange: tc.caused,
			}
			assert.InDelta(t, tc.expected, Score(f, wc), 1e-9)
		})
	}
}

func TestScore_IntentOverride(t *testing.T) {
	wc := model.WorkflowContext{
		Phase:                     model.PhaseCoding,
		ExplicitRequestCategories: []string{"security"},
	}

	matched := model.Finding{File: "pkg/x.go", Severity: model.SeverityStyle, Category: "security"}
	assert.InDelta(t, 0.5, Score(matched, wc), 1e-9)

	unmatched := model.Finding{File: "pkg/x.go", Severity: model.SeverityStyle, Category: "lint"}
	assert.InDelta(t, 0.0, Score(unmatched, wc), 1e-9)
}

func TestScore_PhaseAdjustments(t *testing.T) {
	f := model.Finding{File: "pkg/x.go", Severity: model.SeverityWarning}

	preCommit := model.WorkflowContext{Phase: model.PhasePreCommit}
	assert.InDelta(t, 0.35, Score(f, preCommit), 1e-9)

	activeCoding := model.WorkflowContext{Phase: model.PhaseCoding, InActiveCoding: true}
	assert.InDelta(t, 0.0, Score(f, activeCoding), 1e-9, "0.15 - 0.2 clamps to zero")
}

func TestScore_ClampUpper(t *testing.T) {
	// Blocking finding in the edited file, new and caused by the recent
	// change: 0.5 + 0.4 + 0.3 sums to 1.2 and clamps to 1.0.
	wc := codingContext()
	f := model.Finding{
		File:                 "internal/auth/login.go",
		Severity:             model.SeverityError,
		Blocking:             true,
		IsNew:                true,
		CausedByRecentChange: true,
	}
	assert.Equal(t, 1.0, Score(f, wc))
}

func TestScore_ClampLower(t *testing.T) {
	// Style finding in an unrelated file during active coding sums to -0.2
	// and clamps to zero.
	wc := model.WorkflowContext{Phase: model.PhaseCoding, InActiveCoding: true}
	f := model.Finding{File: "pkg/x.go", Severity: model.SeverityStyle}
	assert.Equal(t, 0.0, Score(f, wc))
}

func TestScore_Deterministic(t *testing.T) {
	wc := codingContext()
	wc.ExplicitRequestCategories = []string{"security", "performance"}
	f := model.Finding{
		File:        "internal/auth/session.go",
		Severity:    model.SeverityWarning,
		Category:    "security",
		IsNew:       true,
		AutoFixable: true,
	}

	first := Score(f, wc)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(f, wc))
	}
}
