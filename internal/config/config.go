// Package config loads and saves the application configuration file.
//
// Configuration lives at <vault dir>/config.yaml and holds nothing
// sensitive: paths, KDF overrides, and interface preferences. A missing file
// is not an error; defaults apply.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file name inside the application directory.
const FileName = "config.yaml"

// DefaultDirName is the application directory under the user's home.
const DefaultDirName = ".advocate"

// KDF overrides zero values mean "use the built-in defaults".
type KDF struct {
	Time    uint32 `yaml:"time,omitempty"`
	Memory  uint32 `yaml:"memory,omitempty"` // KiB
	Threads uint8  `yaml:"threads,omitempty"`
}

// UI holds interface preferences shared by the desktop app.
type UI struct {
	Scale        float64 `yaml:"scale"`
	HighContrast bool    `yaml:"high_contrast"`
}

// Config is the full application configuration.
type Config struct {
	// VaultDir overrides where the vault directory lives.
	VaultDir string `yaml:"vault_dir,omitempty"`
	// AutoLockMinutes locks the session after this many idle minutes in the
	// desktop app. Zero disables auto-lock.
	AutoLockMinutes int `yaml:"auto_lock_minutes"`
	KDF             KDF `yaml:"kdf,omitempty"`
	UI              UI  `yaml:"ui"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		AutoLockMinutes: 15,
		UI:              UI{Scale: 1.0},
	}
}

// DefaultDir returns the application directory (~/.advocate).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// Load reads the configuration from dir, applying defaults for anything the
// file omits. A missing file returns the defaults without error.
func Load(dir string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", FileName, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", FileName, err)
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes the configuration to dir, creating the directory if needed.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: failed to marshal: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0600); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", FileName, err)
	}
	return nil
}

// ResolveVaultDir returns the vault directory: the configured override when
// set, otherwise the application directory itself.
func (c *Config) ResolveVaultDir(appDir string) string {
	if c.VaultDir != "" {
		return c.VaultDir
	}
	return appDir
}

func (c *Config) normalize() {
	if c.UI.Scale <= 0 {
		c.UI.Scale = 1.0
	}
	if c.AutoLockMinutes < 0 {
		c.AutoLockMinutes = 0
	}
}
