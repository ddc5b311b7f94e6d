package model

// Index is the derived summary regenerated after every store commit.
// check_now mirrors the immediate tier, mention_if_relevant the relevant tier,
// deferred the background tier. auto_fixed findings are logged, not surfaced.
type Index struct {
	SchemaVersion     int             `yaml:"schema_version" json:"schema_version"`
	FileType          string          `yaml:"file_type" json:"file_type"`
	LastUpdated       string          `yaml:"last_updated" json:"last_updated"`
	CheckNow          CheckNowSection `yaml:"check_now" json:"check_now"`
	MentionIfRelevant MentionSection  `yaml:"mention_if_relevant" json:"mention_if_relevant"`
	Deferred          DeferredSection `yaml:"deferred" json:"deferred"`
}

type CheckNowSection struct {
	Count             int            `yaml:"count" json:"count"`
	SeverityBreakdown map[string]int `yaml:"severity_breakdown" json:"severity_breakdown"`
	Files             []string       `yaml:"files" json:"files"`
	Preview           string         `yaml:"preview" json:"preview"`
}

type MentionSection struct {
	Count      int      `yaml:"count" json:"count"`
	Categories []string `yaml:"categories" json:"categories"`
	Summary    string   `yaml:"summary" json:"summary"`
}

type DeferredSection struct {
	Count   int    `yaml:"count" json:"count"`
	Summary string `yaml:"summary" json:"summary"`
}
