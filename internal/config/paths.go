// paths.go - Application path management
// The profile database, log and recordings live under ~/.tabterm unless
// data_dir says otherwise
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// AppHomeDir is the name of the application's home directory
const AppHomeDir = ".tabterm"

// AppHome returns ~/.tabterm, falling back to the working directory when
// there is no home
func AppHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("Warning: Could not get user home directory: %v", err)
		return "."
	}
	return filepath.Join(home, AppHomeDir)
}

// DefaultConfigPath is ~/.tabterm/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(AppHome(), "config.yaml")
}

// EnsureDataDir creates the data directory
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", c.DataDir, err)
	}
	return nil
}

// DBPath is the profile database
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "profiles.db")
}

// RecordingsDir holds session recordings
func (c *Config) RecordingsDir() string {
	return filepath.Join(c.DataDir, "recordings")
}

// RecordingPath names a new recording started at t; tag tells apart
// recordings started in the same second
func (c *Config) RecordingPath(t time.Time, tag string) string {
	name := t.Format("20060102-150405")
	if tag != "" {
		name += "-" + tag
	}
	return filepath.Join(c.RecordingsDir(), name+".jsonl")
}
