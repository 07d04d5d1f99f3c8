// Package config holds operator-side CLI settings: database location,
// federation server endpoint, default agent. These live in
// .gitswarm/settings.yaml and are distinct from the repo-owned
// .gitswarm/config.yml, which travels with the repo and is covered by
// package repocfg.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// SettingsFile is the operator settings path relative to the repo root.
const SettingsFile = ".gitswarm/settings.yaml"

var v *viper.Viper

// Initialize sets up the viper singleton. Called once at startup, before
// any command runs.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Walk up from CWD so commands work from subdirectories.
	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			path := filepath.Join(dir, ".gitswarm", "settings.yaml")
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				configFileSet = true
				break
			}
		}
	}

	// Fall back to the user config directory for machine-wide defaults.
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			path := filepath.Join(configDir, "gitswarm", "settings.yaml")
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the settings file.
	// E.g. GITSWARM_DB_DRIVER, GITSWARM_SERVER_ENDPOINT, GITSWARM_AGENT.
	v.SetEnvPrefix("GITSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "")
	v.SetDefault("server.endpoint", "")
	v.SetDefault("server.token", "")
	v.SetDefault("agent", "")
	v.SetDefault("repo-id", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 50)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("stabilize.lock-timeout", "30s")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading settings file: %w", err)
		}
	}
	return nil
}

// GetString retrieves a string setting.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean setting.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer setting.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration setting.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a setting for the current process (flag precedence is
// handled by the CLI, not viper).
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns every effective setting.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// WriteSettings persists operator settings under repoRoot, merging with any
// existing file so unrelated keys survive.
func WriteSettings(repoRoot string, settings map[string]interface{}) error {
	path := filepath.Join(repoRoot, filepath.FromSlash(SettingsFile))
	existing := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil {
		_ = yaml.Unmarshal(data, &existing)
	}
	for k, val := range settings {
		existing[k] = val
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(existing)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
