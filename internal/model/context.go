package model

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

type Phase string

const (
	PhaseCoding    Phase = "coding"
	PhasePreCommit Phase = "pre_commit"
	PhaseReview    Phase = "review"
	PhaseIdle      Phase = "idle"
)

var validPhases = map[Phase]bool{
	PhaseCoding:    true,
	PhasePreCommit: true,
	PhaseReview:    true,
	PhaseIdle:      true,
}

func ValidPhase(p Phase) bool {
	return validPhases[p]
}

// WorkflowContext is the caller-supplied snapshot of the developer's current
// activity. Passed by value into every scoring call; the scorer never mutates
// or retains it.
type WorkflowContext struct {
	CurrentlyEditing          []string `yaml:"currently_editing" json:"currently_editing"`
	RecentlyModified          []string `yaml:"recently_modified" json:"recently_modified"`
	RelatedFiles              []string `yaml:"related_files" json:"related_files"`
	Phase                     Phase    `yaml:"phase" json:"phase"`
	ExplicitRequestCategories []string `yaml:"explicit_request_categories" json:"explicit_request_categories"`
	InActiveCoding            bool     `yaml:"in_active_coding" json:"in_active_coding"`
}

// Fingerprint returns a stable key identifying this context's scoring-relevant
// content. Used to deduplicate concurrent rescore requests.
func (wc WorkflowContext) Fingerprint() string {
	h := fnv.New32a()
	writeSorted := func(ss []string) {
		sorted := append([]string(nil), ss...)
		sort.Strings(sorted)
		h.Write([]byte(strings.Join(sorted, "\x00")))
		h.Write([]byte{0x1f})
	}
	writeSorted(wc.CurrentlyEditing)
	writeSorted(wc.RecentlyModified)
	writeSorted(wc.RelatedFiles)
	writeSorted(wc.ExplicitRequestCategories)
	fmt.Fprintf(h, "%s|%t", wc.Phase, wc.InActiveCoding)
	return fmt.Sprintf("%08x", h.Sum32())
}
