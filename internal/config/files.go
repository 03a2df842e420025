package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoSettingsFile is returned when a settings file does not exist yet.
var ErrNoSettingsFile = errors.New("settings file not found")

// Settings files live under ConfigDir. They can hold secrets (API tokens,
// SMTP passwords), so the directory is 0700 and every file is written 0600.

// EnsureConfigDir creates the config directory with restrictive permissions.
func EnsureConfigDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	// MkdirAll does not tighten an existing directory.
	return os.Chmod(dir, 0o700)
}

// ReadSettingsFile unmarshals the named JSON settings file into v.
func ReadSettingsFile(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoSettingsFile
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// WriteSettingsFile atomically writes v as JSON to the named settings file,
// mode 0600. The temp file is created in the same directory so the rename
// stays on one filesystem.
func WriteSettingsFile(dir, name string, v any) error {
	if err := EnsureConfigDir(dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}
