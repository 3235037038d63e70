package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings are the persisted client defaults: the gateway URL and the
// connection token of the tunnel this machine serves. They let a bare
// `tunlify client` run without flags.
type Settings struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
}

// SettingsPath returns the settings file location under the user's home
// directory, so saved credentials survive temp-dir cleanup.
func SettingsPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".tunlify", "config.yaml")
}

// LoadSettings reads and validates the settings file. A missing file or
// empty credentials are errors; the caller decides whether that matters.
func LoadSettings() (Settings, error) {
	raw, err := os.ReadFile(SettingsPath())
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", SettingsPath(), err)
	}
	s.Server = strings.TrimSpace(s.Server)
	s.Token = strings.TrimSpace(s.Token)
	if s.Server == "" || s.Token == "" {
		return Settings{}, errors.New("settings file is missing server or token")
	}
	return s, nil
}

// SaveSettings writes validated credentials with owner-only permissions.
func SaveSettings(s Settings) error {
	s.Server = strings.TrimSpace(s.Server)
	s.Token = strings.TrimSpace(s.Token)
	if s.Server == "" || s.Token == "" {
		return errors.New("server and token are required")
	}
	path := SettingsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	raw, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
