// Package yaml provides atomic YAML file I/O and quarantine utilities.
package yaml

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// AtomicWrite marshals data and commits it to path via AtomicWriteRaw.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw commits content so readers observe either the previous
// document or the new one, never a partial write: stage to a temp file in the
// target directory, fsync, re-read and parse the staged bytes, back up the
// current document to path+".bak", then rename over path.
func AtomicWriteRaw(path string, content []byte) error {
	staged, err := stage(filepath.Dir(path), content)
	if err != nil {
		return err
	}
	// No-op after a successful rename; cleans up on every failure path.
	defer os.Remove(staged)

	if err := reparse(staged); err != nil {
		return err
	}
	if err := backup(path); err != nil {
		return err
	}
	if err := os.Rename(staged, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// stage writes content to a temp file next to the destination so the final
// rename stays on one volume.
func stage(dir string, content []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".sift-tmp-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()

	_, werr := tmp.Write(content)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(name)
		return "", fmt.Errorf("stage temp file: %w", werr)
	}
	return name, nil
}

// reparse reads the staged file back from disk and confirms the bytes that
// actually landed still parse as YAML.
func reparse(path string) error {
	written, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read staged file: %w", err)
	}
	if err := validateYAML(written); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}
	return nil
}

// backup copies the current document to path+".bak". Missing documents (first
// write) are not an error.
func backup(path string) error {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path + ".bak")
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}
