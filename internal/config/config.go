// Package config loads the TOML configuration of a profile.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the configuration of one profile. The global config file uses
// the same shape but only default_profile is read from it.
type Config struct {
	DefaultProfile string         `toml:"default_profile,omitempty"`
	User           UserConfig     `toml:"user"`
	Remote         RemoteConfig   `toml:"remote"`
	Outbox         OutboxConfig   `toml:"outbox"`
	Sync           SyncConfig     `toml:"sync"`
	Priority       PriorityConfig `toml:"priority"`
	Network        NetworkConfig  `toml:"network"`
}

// UserConfig identifies the signed-in user.
type UserConfig struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
}

// RemoteConfig points at the document store and the analysis endpoint.
type RemoteConfig struct {
	URL         string `toml:"url"`
	AnalysisURL string `toml:"analysis_url"`
	// ProbeAddr overrides the host:port dialled by the reachability probe.
	ProbeAddr string `toml:"probe_addr,omitempty"`
}

// OutboxConfig tunes outbound delivery.
type OutboxConfig struct {
	MaxRetries    int      `toml:"max_retries"`
	BackoffCap    Duration `toml:"backoff_cap"`
	FlushInterval Duration `toml:"flush_interval"`
	Workers       int      `toml:"workers"`
}

// SyncConfig tunes full sync.
type SyncConfig struct {
	MinHistory    int `toml:"min_history"`
	HistoryWindow int `toml:"history_window"`
}

// PriorityConfig tunes conversation ranking.
type PriorityConfig struct {
	EscalationThrottle Duration `toml:"escalation_throttle"`
	EscalationBatch    int      `toml:"escalation_batch"`
	RefreshInterval    Duration `toml:"refresh_interval"`
	CacheTTL           Duration `toml:"cache_ttl"`
}

// NetworkConfig tunes the network monitor.
type NetworkConfig struct {
	Debounce      Duration `toml:"debounce"`
	ProbeInterval Duration `toml:"probe_interval"`
}

// Default returns a config with every field set.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			URL:         "http://127.0.0.1:8787",
			AnalysisURL: "",
		},
		Outbox: OutboxConfig{
			MaxRetries:    5,
			BackoffCap:    Duration(5 * time.Minute),
			FlushInterval: Duration(30 * time.Second),
			Workers:       4,
		},
		Sync: SyncConfig{
			MinHistory:    20,
			HistoryWindow: 50,
		},
		Priority: PriorityConfig{
			EscalationThrottle: Duration(5 * time.Minute),
			EscalationBatch:    5,
			RefreshInterval:    Duration(time.Minute),
			CacheTTL:           Duration(24 * time.Hour),
		},
		Network: NetworkConfig{
			Debounce:      Duration(300 * time.Millisecond),
			ProbeInterval: Duration(15 * time.Second),
		},
	}
}

// Load reads the config at path on top of Default. A missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the fields the core cannot run without.
func (c *Config) Validate() error {
	switch {
	case c.User.ID == "":
		return fmt.Errorf("config: user.id is required")
	case c.Remote.URL == "":
		return fmt.Errorf("config: remote.url is required")
	case c.Outbox.MaxRetries < 1:
		return fmt.Errorf("config: outbox.max_retries must be at least 1")
	case c.Outbox.Workers < 1:
		return fmt.Errorf("config: outbox.workers must be at least 1")
	case c.Priority.EscalationBatch < 0:
		return fmt.Errorf("config: priority.escalation_batch must not be negative")
	}
	return nil
}

// Save writes cfg to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
