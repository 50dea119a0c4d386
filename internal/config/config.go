// Package config loads and saves the gocdp configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roelfdiedericks/gocdp/internal/watchdogs"
)

// Config is the persisted gocdp configuration (~/.gocdp/gocdp.json).
type Config struct {
	CDP      CDPConfig      `json:"cdp"`
	Browser  BrowserConfig  `json:"browser"`
	Security SecurityConfig `json:"security"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Store    StoreConfig    `json:"store"`
	Log      LogConfig      `json:"log"`
}

type CDPConfig struct {
	// URL of the browser's devtools websocket endpoint. Ignored when the
	// CLI launches its own browser.
	URL string `json:"url"`
}

type BrowserConfig struct {
	// Bin is an explicit browser binary; empty means download/locate one.
	Bin         string `json:"bin,omitempty"`
	Headless    bool   `json:"headless"`
	NoSandbox   bool   `json:"noSandbox"`
	DownloadDir string `json:"downloadDir"`
	// BinDir is where managed browser binaries live.
	BinDir string `json:"binDir"`
	// UserDataDir is the profile directory for launched browsers.
	UserDataDir string `json:"userDataDir"`
}

type SecurityConfig struct {
	Policy watchdogs.Policy `json:"policy"`
	// PolicyFile, when set, overrides Policy and is watched for edits.
	PolicyFile string `json:"policyFile,omitempty"`
}

type WatchdogConfig struct {
	// NetworkTimeoutSec flags a request as hung after this many seconds.
	NetworkTimeoutSec int `json:"networkTimeoutSec"`
	// CheckIntervalSec is the hang sweep period.
	CheckIntervalSec int `json:"checkIntervalSec"`
}

type StoreConfig struct {
	// Path of the sqlite event archive; empty disables archiving.
	Path string `json:"path,omitempty"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

// Dir returns the gocdp config directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gocdp"
	}
	return filepath.Join(home, ".gocdp")
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(Dir(), "gocdp.json")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CDP: CDPConfig{URL: "ws://localhost:9222"},
		Browser: BrowserConfig{
			Headless:    true,
			DownloadDir: filepath.Join(Dir(), "downloads"),
			BinDir:      filepath.Join(Dir(), "bin"),
			UserDataDir: filepath.Join(Dir(), "profile"),
		},
		Watchdog: WatchdogConfig{
			NetworkTimeoutSec: 10,
			CheckIntervalSec:  5,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the config file, with defaults filling anything absent.
// A missing file is not an error; you just get the defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads a config file from an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Security.Policy.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config atomically.
func (c *Config) Save() error {
	return c.SaveFile(Path())
}

// SaveFile writes the config atomically to an explicit path.
func (c *Config) SaveFile(path string) error {
	return AtomicWriteJSON(path, c, 0600)
}
