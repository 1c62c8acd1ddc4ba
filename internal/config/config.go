// Package config resolves application paths and tuning knobs. Defaults
// come first, then an optional pulse.yaml in the app directory, then
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the Pulse application configuration.
type Config struct {
	AppDir         string
	ChatDBPath     string
	ContactsDBPath string
	Addr           string

	// Change detection.
	Debounce     time.Duration
	PollInterval time.Duration

	// Live sessions.
	LivePageSize int64
	HubBuffer    int

	// Contact resolution.
	ResolveQueueSize int
	LookupRPM        int
}

// GetAppDir returns the Pulse application directory for the current OS.
func GetAppDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Pulse")
	case "linux":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "pulse")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Pulse")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".pulse")
	}
}

// DefaultChatDBPath returns the Messages archive location, honoring the
// PULSE_CHAT_DB override.
func DefaultChatDBPath() string {
	if p := os.Getenv("PULSE_CHAT_DB"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// Load returns a Config with defaults, pulse.yaml values, then env
// overrides applied in that order.
func Load() (*Config, error) {
	appDir := GetAppDir()

	cfg := &Config{
		AppDir:           appDir,
		ChatDBPath:       DefaultChatDBPath(),
		ContactsDBPath:   filepath.Join(appDir, "contacts.db"),
		Addr:             "127.0.0.1:5180",
		Debounce:         200 * time.Millisecond,
		PollInterval:     2 * time.Second,
		LivePageSize:     50,
		HubBuffer:        16,
		ResolveQueueSize: 256,
		LookupRPM:        600,
	}

	if err := cfg.loadFile(filepath.Join(appDir, "pulse.yaml")); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	return cfg, nil
}

// fileConfig mirrors Config for yaml decoding. Durations are strings in
// Go duration syntax ("200ms", "2s").
type fileConfig struct {
	ChatDBPath       string `yaml:"chat_db_path"`
	ContactsDBPath   string `yaml:"contacts_db_path"`
	Addr             string `yaml:"addr"`
	Debounce         string `yaml:"debounce"`
	PollInterval     string `yaml:"poll_interval"`
	LivePageSize     int64  `yaml:"live_page_size"`
	HubBuffer        int    `yaml:"hub_buffer"`
	ResolveQueueSize int    `yaml:"resolve_queue_size"`
	LookupRPM        int    `yaml:"lookup_rpm"`
}

// loadFile merges a yaml file into the config. A missing file is fine;
// keys absent from the file keep their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.ChatDBPath != "" {
		c.ChatDBPath = fc.ChatDBPath
	}
	if fc.ContactsDBPath != "" {
		c.ContactsDBPath = fc.ContactsDBPath
	}
	if fc.Addr != "" {
		c.Addr = fc.Addr
	}
	if fc.Debounce != "" {
		d, err := time.ParseDuration(fc.Debounce)
		if err != nil {
			return fmt.Errorf("parse config %s: debounce: %w", path, err)
		}
		c.Debounce = d
	}
	if fc.PollInterval != "" {
		d, err := time.ParseDuration(fc.PollInterval)
		if err != nil {
			return fmt.Errorf("parse config %s: poll_interval: %w", path, err)
		}
		c.PollInterval = d
	}
	if fc.LivePageSize > 0 {
		c.LivePageSize = fc.LivePageSize
	}
	if fc.HubBuffer > 0 {
		c.HubBuffer = fc.HubBuffer
	}
	if fc.ResolveQueueSize > 0 {
		c.ResolveQueueSize = fc.ResolveQueueSize
	}
	if fc.LookupRPM > 0 {
		c.LookupRPM = fc.LookupRPM
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PULSE_CHAT_DB"); v != "" {
		c.ChatDBPath = v
	}
	if v := os.Getenv("PULSE_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("PULSE_CONTACTS_DB"); v != "" {
		c.ContactsDBPath = v
	}
	if v := os.Getenv("PULSE_LIVE_PAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.LivePageSize = n
		}
	}
}
