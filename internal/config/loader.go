package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".collabsync"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("COLLABSYNC_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the config file (if present), overlays environment variables
// with the COLLABSYNC prefix, and fills defaults for anything left unset.
// A missing config file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run: defaults plus environment.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// One Process per group so the lookup keys come out as
	// COLLABSYNC_<GROUP>_<FIELD> rather than doubling the group name.
	groups := []struct {
		prefix string
		target any
	}{
		{"COLLABSYNC_INSTANCE", &cfg.Instance},
		{"COLLABSYNC_STORE", &cfg.Store},
		{"COLLABSYNC_BUS", &cfg.Bus},
		{"COLLABSYNC_TRANSPORT", &cfg.Transport},
		{"COLLABSYNC_SYNC", &cfg.Sync},
		{"COLLABSYNC_TOOLS", &cfg.Tools},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.target); err != nil {
			return nil, fmt.Errorf("apply environment overrides (%s): %w", g.prefix, err)
		}
	}
	return cfg, nil
}

// Save writes the config as pretty-printed JSON, creating the directory.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
