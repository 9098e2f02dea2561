package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all conductor server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	PoolSize     int    `json:"pool_size"`
	PollInterval string `json:"poll_interval"` // scheduler tick, e.g. "30s"

	// VaultPassphrase unlocks the connector-credential vault. Empty disables
	// vault: references in http.request auth.
	VaultPassphrase string `json:"vault_passphrase"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(conductorDir(), "conductor.db"),
		LogLevel:     "info",
		PoolSize:     10,
		PollInterval: "30s",
	}
}

func conductorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

func settingsPath() string {
	return filepath.Join(conductorDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONDUCTOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONDUCTOR_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONDUCTOR_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("CONDUCTOR_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}

	return cfg
}

func (c Config) pollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
