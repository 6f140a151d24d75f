// Package config loads client settings from an optional YAML file layered
// under environment variables; env always wins.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	TransportWSURL string `yaml:"transport_ws_url"`
	ProfileBaseURL string `yaml:"profile_base_url"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	Username string `yaml:"username"`
	UserID   string `yaml:"user_id"`

	AckTimeoutSec        int `yaml:"ack_timeout_sec"`
	ReconnectAttempts    int `yaml:"reconnect_attempts"`
	ReconnectDelayMillis int `yaml:"reconnect_delay_ms"`

	DirectoryLimit int `yaml:"directory_limit"`
}

func (c *AppConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSec) * time.Second
}

func (c *AppConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMillis) * time.Millisecond
}

// Load reads CHESSLINK_CONFIG (when set) and then the environment.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		AckTimeoutSec:        10,
		ReconnectAttempts:    5,
		ReconnectDelayMillis: 1000,
		DirectoryLimit:       10,
	}

	if path := strings.TrimSpace(os.Getenv("CHESSLINK_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, err
		}
	}

	overrideString(&cfg.TransportWSURL, "TRANSPORT_WS_URL")
	overrideString(&cfg.ProfileBaseURL, "PROFILE_BASE_URL")
	overrideString(&cfg.RedisURL, "REDIS_URL")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.Username, "CHESSLINK_USERNAME")
	overrideString(&cfg.UserID, "CHESSLINK_USER_ID")
	overrideInt(&cfg.AckTimeoutSec, "ACK_TIMEOUT_SEC")
	overrideInt(&cfg.ReconnectAttempts, "RECONNECT_ATTEMPTS")
	overrideInt(&cfg.ReconnectDelayMillis, "RECONNECT_DELAY_MS")
	overrideInt(&cfg.DirectoryLimit, "DIRECTORY_LIMIT")

	if cfg.TransportWSURL == "" {
		return nil, errors.New("TRANSPORT_WS_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	return cfg, nil
}

func overrideString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
