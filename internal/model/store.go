package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// Save writes the artifact atomically: serialize to a temp file in the
// destination directory, fsync, then rename over the target. A crash mid-
// save leaves the previous artifact intact.
func Save(m *Model, path string) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid model: %w", err)
	}

	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize model: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".warden-model-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write model to %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync model file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close model file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move model into place at %s: %w", path, err)
	}
	return nil
}

// Load reads and validates an artifact. Errors name the path so a missing
// or corrupt artifact is diagnosable from the log line alone.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact %s: %w", path, err)
	}

	var m Model
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("model artifact %s is corrupt: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("model artifact %s failed validation: %w", path, err)
	}
	return &m, nil
}
