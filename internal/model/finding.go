package model

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityStyle   Severity = "style"
)

var validSeverities = map[Severity]bool{
	SeverityError:   true,
	SeverityWarning: true,
	SeverityInfo:    true,
	SeverityStyle:   true,
}

func ValidSeverity(s Severity) bool {
	return validSeverities[s]
}

type Tier string

const (
	TierImmediate  Tier = "immediate"
	TierRelevant   Tier = "relevant"
	TierBackground Tier = "background"
	TierAutoFixed  Tier = "auto_fixed"
)

// AllTiers lists every tier in canonical order. Lock acquisition and partition
// iteration both follow this order.
var AllTiers = []Tier{TierImmediate, TierRelevant, TierBackground, TierAutoFixed}

var validTiers = map[Tier]bool{
	TierImmediate:  true,
	TierRelevant:   true,
	TierBackground: true,
	TierAutoFixed:  true,
}

func ValidTier(t Tier) bool {
	return validTiers[t]
}

// CategoryAgentFailure marks findings synthesized after retry exhaustion.
const CategoryAgentFailure = "agent_failure"

// Finding is the canonical unit of agent output after normalization. A finding
// belongs to exactly one tier; tier and relevance_score are always recomputed
// through the scoring pipeline, never set by hand. Consumers may update only
// disclosure_level and seen_by_user after creation.
type Finding struct {
	ID                   string   `yaml:"id" json:"id"`
	Agent                string   `yaml:"agent" json:"agent"`
	Timestamp            string   `yaml:"timestamp" json:"timestamp"`
	File                 string   `yaml:"file" json:"file"`
	Line                 int      `yaml:"line" json:"line"`
	Column               int      `yaml:"column" json:"column"`
	Severity             Severity `yaml:"severity" json:"severity"`
	Blocking             bool     `yaml:"blocking" json:"blocking"`
	Category             string   `yaml:"category" json:"category"`
	Message              string   `yaml:"message" json:"message"`
	Detail               string   `yaml:"detail,omitempty" json:"detail,omitempty"`
	Suggestion           string   `yaml:"suggestion,omitempty" json:"suggestion,omitempty"`
	AutoFixable          bool     `yaml:"auto_fixable" json:"auto_fixable"`
	ScopeType            string   `yaml:"scope_type,omitempty" json:"scope_type,omitempty"`
	CausedByRecentChange bool     `yaml:"caused_by_recent_change" json:"caused_by_recent_change"`
	IsNew                bool     `yaml:"is_new" json:"is_new"`
	RelevanceScore       float64  `yaml:"relevance_score" json:"relevance_score"`
	Tier                 Tier     `yaml:"tier" json:"tier"`
	DisclosureLevel      int      `yaml:"disclosure_level" json:"disclosure_level"`
	SeenByUser           bool     `yaml:"seen_by_user" json:"seen_by_user"`
	RelatedFiles         []string `yaml:"related_files,omitempty" json:"related_files,omitempty"`
	RelatedFindings      []string `yaml:"related_findings,omitempty" json:"related_findings,omitempty"`
}

// Partition is the persisted per-tier document. Findings are ordered
// newest-first by timestamp, ties broken by id.
type Partition struct {
	SchemaVersion     int            `yaml:"schema_version" json:"schema_version"`
	FileType          string         `yaml:"file_type" json:"file_type"`
	Count             int            `yaml:"count" json:"count"`
	LastUpdated       string         `yaml:"last_updated" json:"last_updated"`
	SeverityBreakdown map[string]int `yaml:"severity_breakdown" json:"severity_breakdown"`
	Findings          []Finding      `yaml:"findings" json:"findings"`
}
