// config.go - Application configuration
// Defaults, overlaid by ~/.tabterm/config.yaml, overlaid by TABTERM_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the process-wide settings. Environment names are spelled
// out in full so envconfig never falls back to bare names like TERM.
type Config struct {
	DataDir       string `yaml:"data_dir" envconfig:"TABTERM_DATA_DIR"`
	LogFile       string `yaml:"log_file" envconfig:"TABTERM_LOG_FILE"`
	RecordSession bool   `yaml:"record_session" envconfig:"TABTERM_RECORD_SESSION"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout" envconfig:"TABTERM_CONNECT_TIMEOUT"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" envconfig:"TABTERM_KEEPALIVE_INTERVAL"`

	// Term is the TERM of local shells and telnet sessions; SSH hosts use
	// their own terminal_type setting
	Term string `yaml:"term" envconfig:"TABTERM_TERM"`
	// Cols and Rows override the console size when non-zero
	Cols int `yaml:"cols" envconfig:"TABTERM_COLS"`
	Rows int `yaml:"rows" envconfig:"TABTERM_ROWS"`

	// Keyring caches the store passphrase in the OS keyring
	Keyring bool `yaml:"keyring" envconfig:"TABTERM_KEYRING"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir:           AppHome(),
		ConnectTimeout:    30 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		Term:              "xterm-256color",
	}
}

// Load reads the YAML file at path, when it exists, then the environment.
// An empty path means DefaultConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = AppHome()
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "tabterm.log")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no session could use
func (c *Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.KeepAliveInterval < 0 {
		return fmt.Errorf("keepalive_interval must not be negative, got %s", c.KeepAliveInterval)
	}
	if c.Cols < 0 || c.Rows < 0 {
		return fmt.Errorf("bad dimensions %dx%d", c.Cols, c.Rows)
	}
	if c.Term == "" {
		return errors.New("term must not be empty")
	}
	return nil
}

// Save writes c as YAML to path
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
