package model

const (
	EventFileSaved   = "file_saved"
	EventFileRemoved = "file_removed"
	EventInterval    = "interval"
)

var validEventTypes = map[string]bool{
	EventFileSaved:   true,
	EventFileRemoved: true,
	EventInterval:    true,
}

func ValidEventType(t string) bool {
	return validEventTypes[t]
}

// Event is a transient trigger consumed once by the scheduler, never persisted.
// Path is project-relative and cleaned.
type Event struct {
	Type      string            `yaml:"type" json:"type"`
	Path      string            `yaml:"path" json:"path"`
	Timestamp string            `yaml:"timestamp" json:"timestamp"`
	Payload   map[string]string `yaml:"payload,omitempty" json:"payload,omitempty"`
}
