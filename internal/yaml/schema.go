package yaml

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// CurrentSchemaVersion is stamped into every document sift writes.
const CurrentSchemaVersion = 1

// SchemaHeader is the common prefix of every persisted document.
type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

var validFileTypes = map[string]bool{
	"config":             true,
	"context_immediate":  true,
	"context_relevant":   true,
	"context_background": true,
	"context_auto_fixed": true,
	"context_index":      true,
	"state_metrics":      true,
	"dead_letter":        true,
}

// ValidateSchemaHeader reads the document at path and checks its header.
func ValidateSchemaHeader(path string, expectedFileType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return ValidateSchemaHeaderFromBytes(content, expectedFileType)
}

// ValidateSchemaHeaderFromBytes parses content just far enough to check the
// schema header. An empty expectedFileType accepts any known type.
func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return header.check(expectedFileType)
}

func (h SchemaHeader) check(expected string) error {
	switch {
	case h.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", h.SchemaVersion, CurrentSchemaVersion)
	case h.FileType == "":
		return fmt.Errorf("missing file_type")
	case !validFileTypes[h.FileType]:
		return fmt.Errorf("unknown file_type: %q", h.FileType)
	case expected != "" && h.FileType != expected:
		return fmt.Errorf("file_type mismatch: got %q, expected %q", h.FileType, expected)
	}
	return nil
}

// NeedsMigration reports whether a document predates the current schema.
func NeedsMigration(schemaVersion int) bool {
	return schemaVersion < CurrentSchemaVersion
}
