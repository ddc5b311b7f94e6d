package model

// DeadLetter records one run that exhausted its retry budget. Written under
// dead_letters/ for post-mortem; the synthesized agent_failure finding is the
// consumer-facing half of the same failure.
type DeadLetter struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	RunID         string `yaml:"run_id"`
	Agent         string `yaml:"agent"`
	Path          string `yaml:"path"`
	EventType     string `yaml:"event_type"`
	Attempts      int    `yaml:"attempts"`
	LastError     string `yaml:"last_error"`
	OutputTail    string `yaml:"output_tail,omitempty"`
	CreatedAt     string `yaml:"created_at"`
}
