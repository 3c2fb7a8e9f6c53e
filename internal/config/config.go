package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.vigia/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Server         Server `toml:"server"`
	Sync           Sync   `toml:"sync"`
}

// Server holds the remote platform endpoints and credentials.
type Server struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// Sync holds connection and retry policy knobs. Zero values fall back to
// the platform defaults via the accessor methods.
type Sync struct {
	HeartbeatIntervalSec int `toml:"heartbeat_interval_sec"`
	BackoffFloorMs       int `toml:"backoff_floor_ms"`
	BackoffCeilingMs     int `toml:"backoff_ceiling_ms"`
	MaxSendRetries       int `toml:"max_send_retries"`
}

// HeartbeatInterval returns the keepalive interval, defaulting to 30s.
func (s Sync) HeartbeatInterval() time.Duration {
	if s.HeartbeatIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.HeartbeatIntervalSec) * time.Second
}

// BackoffFloor returns the reconnect backoff floor, defaulting to 1s.
func (s Sync) BackoffFloor() time.Duration {
	if s.BackoffFloorMs <= 0 {
		return time.Second
	}
	return time.Duration(s.BackoffFloorMs) * time.Millisecond
}

// BackoffCeiling returns the reconnect backoff ceiling, defaulting to 30s.
func (s Sync) BackoffCeiling() time.Duration {
	if s.BackoffCeilingMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.BackoffCeilingMs) * time.Millisecond
}

// RetryCeiling returns the per-message send retry ceiling, defaulting to 3.
func (s Sync) RetryCeiling() int {
	if s.MaxSendRetries <= 0 {
		return 3
	}
	return s.MaxSendRetries
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
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
