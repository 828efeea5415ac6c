// Package config persists tool settings between runs: last-used
// directories, the preferred export format and the recent-store list.
// The file is a convenience, so a damaged one falls back to defaults
// instead of blocking the tool.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// appDirName is the per-user configuration directory name.
	appDirName     = "wxvault"
	configFileName = "config.json"

	// maxRecentStores bounds the most-recently-used store list.
	maxRecentStores = 5
)

// StoreRef is one entry in the recent-store list.
type StoreRef struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// DecryptRecord remembers one successful decrypt run per account.
type DecryptRecord struct {
	WXID      string `json:"wxid"`
	Name      string `json:"name"`
	StorePath string `json:"store_path"`
	Version   string `json:"version"`
	Time      int64  `json:"time"` // unix seconds
}

// Config is the persisted tool state.
type Config struct {
	StoreDir       string          `json:"store_dir"`  // last encrypted-store location
	OutputDir      string          `json:"output_dir"` // last export destination
	ExportFormat   string          `json:"export_format"`
	RecentStores   []StoreRef      `json:"recent_stores"`
	DecryptHistory []DecryptRecord `json:"decrypt_history"`
}

// Default returns the configuration used when nothing is persisted.
func Default() *Config {
	return &Config{
		OutputDir:    "data",
		ExportFormat: "html",
	}
}

// Dir returns the per-user configuration directory.
//
// If WXVAULT_CONFIG_DIR is set, its value is used as an explicit
// override.
func Dir() (string, error) {
	if override := os.Getenv("WXVAULT_CONFIG_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve config dir: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}

// DefaultPath returns the config.json location under Dir.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Load reads the config file. A missing, unreadable or corrupt file
// yields the defaults; persisted fields that are empty fall back to
// their default values.
func Load(path string) *Config {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return Default()
	}
	cfg.fillDefaults()
	return cfg
}

// Save writes the config file, creating the directory as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write config: %w", err)
	}
	return nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.OutputDir == "" {
		c.OutputDir = def.OutputDir
	}
	if c.ExportFormat == "" {
		c.ExportFormat = def.ExportFormat
	}
}

// TouchStore moves or inserts a store at the front of the recent list,
// keeping at most maxRecentStores entries.
func (c *Config) TouchStore(path, version string) {
	if path == "" {
		return
	}
	kept := make([]StoreRef, 0, len(c.RecentStores)+1)
	kept = append(kept, StoreRef{Path: path, Version: version})
	for _, ref := range c.RecentStores {
		if ref.Path != path {
			kept = append(kept, ref)
		}
	}
	if len(kept) > maxRecentStores {
		kept = kept[:maxRecentStores]
	}
	c.RecentStores = kept
}

// RecordDecrypt stores the outcome of a decrypt run. One record is
// kept per account: a rerun for the same wxid replaces its entry.
func (c *Config) RecordDecrypt(rec DecryptRecord) {
	if rec.WXID == "" || rec.StorePath == "" {
		return
	}
	for i := range c.DecryptHistory {
		if c.DecryptHistory[i].WXID == rec.WXID {
			c.DecryptHistory[i] = rec
			return
		}
	}
	c.DecryptHistory = append(c.DecryptHistory, rec)
}

// LastDecrypt returns the most recent decrypt record for an account,
// or nil when none is known.
func (c *Config) LastDecrypt(wxid string) *DecryptRecord {
	for i := range c.DecryptHistory {
		if c.DecryptHistory[i].WXID == wxid {
			return &c.DecryptHistory[i]
		}
	}
	return nil
}
