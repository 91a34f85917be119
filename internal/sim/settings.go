// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"howett.net/plist"
)

// SettingsStore reads and merges property-list files.
type SettingsStore interface {
	Read(path string) (map[string]any, error)
	Update(path string, updates map[string]any) error
}

type plistSettings struct{}

// NewSettingsStore returns the plist backed store. Both XML and binary plists are read;
// files are rewritten in the format they were read in (XML for new files).
func NewSettingsStore() SettingsStore { return plistSettings{} }

func (plistSettings) Read(path string) (map[string]any, error) {
	values, _, err := readPlist(path)
	return values, err
}

func readPlist(path string) (map[string]any, int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	values := map[string]any{}
	format, err := plist.Unmarshal(b, &values)
	if err != nil {
		return nil, 0, fmt.Errorf("parse plist %s: %w", path, err)
	}
	return values, format, nil
}

func (plistSettings) Update(path string, updates map[string]any) error {
	values, format, err := readPlist(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		values = map[string]any{}
		format = plist.XMLFormat
	case err != nil:
		return err
	}
	for k, v := range updates {
		values[k] = v
	}
	b, err := plist.Marshal(values, format)
	if err != nil {
		return fmt.Errorf("encode plist %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
