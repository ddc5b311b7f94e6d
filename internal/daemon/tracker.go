package daemon

import (
	"sort"
	"sync"
	"time"

	"github.com/devsift/sift/internal/model"
)

// ContextTracker maintains the daemon's view of what the developer is doing.
// The collector feeds it file touches; the set_context command feeds it the
// editor-side fields. Snapshot assembles the WorkflowContext passed into
// every scoring call.
type ContextTracker struct {
	mu     sync.Mutex
	window time.Duration

	editing        []string
	related        []string
	phase          model.Phase
	categories     []string
	inActiveCoding bool

	touched map[string]time.Time
}

func NewContextTracker(window time.Duration) *ContextTracker {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &ContextTracker{
		window:  window,
		phase:   model.PhaseIdle,
		touched: make(map[string]time.Time),
	}
}

// FileTouched records a file modification. Entries age out of the
// recently-modified set after the window.
func (t *ContextTracker) FileTouched(path string) {
	if path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touched[path] = time.Now()
}

// SetContext replaces the editor-side fields wholesale. The recently-modified
// window is collector-owned and untouched.
func (t *ContextTracker) SetContext(editing, related []string, phase model.Phase, categories []string, inActiveCoding bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.editing = append([]string(nil), editing...)
	t.related = append([]string(nil), related...)
	if phase != "" {
		t.phase = phase
	}
	t.categories = append([]string(nil), categories...)
	t.inActiveCoding = inActiveCoding
}

// Snapshot prunes expired touches and returns the current context by value.
func (t *ContextTracker) Snapshot() model.WorkflowContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.window)
	recent := make([]string, 0, len(t.touched))
	for path, at := range t.touched {
		if at.Before(cutoff) {
			delete(t.touched, path)
			continue
		}
		recent = append(recent, path)
	}
	sort.Strings(recent)

	return model.WorkflowContext{
		CurrentlyEditing:          append([]string(nil), t.editing...),
		RecentlyModified:          recent,
		RelatedFiles:              append([]string(nil), t.related...),
		Phase:                     t.phase,
		ExplicitRequestCategories: append([]string(nil), t.categories...),
		InActiveCoding:            t.inActiveCoding,
	}
}
