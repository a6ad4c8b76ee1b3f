package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Store persists registry records.
type Store interface {
	Load() ([]Record, error)
	Save(records []Record) error
}

// file is the devices.toml layout.
type file struct {
	Version int      `toml:"version"`
	Devices []Record `toml:"devices"`
}

type tomlStore struct {
	path string
}

// NewTOML creates a TOML-file store. An empty path defaults to devices.toml.
func NewTOML(path string) Store {
	if path == "" {
		path = "devices.toml"
	}
	return &tomlStore{path: path}
}

// Load reads all records. A missing file yields no records.
func (s *tomlStore) Load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device registry: %w", err)
	}

	var f file
	if unmarshalErr := toml.Unmarshal(data, &f); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to parse device registry: %w", unmarshalErr)
	}
	return f.Devices, nil
}

// Save replaces the file with records, written via a temporary file.
func (s *tomlStore) Save(records []Record) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b Record) int { return strings.Compare(a.HardwareID, b.HardwareID) })

	data, err := toml.Marshal(file{Version: 1, Devices: sorted})
	if err != nil {
		return fmt.Errorf("failed to marshal device registry: %w", err)
	}

	tmp := s.path + ".tmp"
	if writeErr := os.WriteFile(tmp, data, 0o644); writeErr != nil {
		return fmt.Errorf("failed to write device registry: %w", writeErr)
	}
	if renameErr := os.Rename(tmp, s.path); renameErr != nil {
		return fmt.Errorf("failed to replace device registry: %w", renameErr)
	}
	return nil
}
