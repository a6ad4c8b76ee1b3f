package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/jtaka1125-beep/mirage/internal/route"
)

// LoadRouting reads routing.toml. Keys missing from the file keep their
// defaults, and a missing file yields the defaults.
func LoadRouting(path string) (route.Settings, error) {
	s := route.DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("failed to read routing config: %w", err)
	}
	if err := toml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse routing config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid routing config %s: %w", path, err)
	}
	return s, nil
}

// SaveRouting writes s to path through a temporary file and a rename, so a
// watcher never loads a half-written file.
func SaveRouting(path string, s route.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode routing config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".routing-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write routing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write routing config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace routing config: %w", err)
	}
	return nil
}
