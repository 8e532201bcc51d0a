package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all relayd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr     string `json:"listen_addr"`
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	PoolSize       int    `json:"pool_size"`
	PollInterval   string `json:"poll_interval"`
	LeaseTTL       string `json:"lease_ttl"`
	GatewayURL     string `json:"gateway_url"`
	GatewayTimeout string `json:"gateway_timeout"`
	WebhookTimeout string `json:"webhook_timeout"`
	CronEnabled    bool   `json:"cron_enabled"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:     ":4600",
		DBPath:         filepath.Join(relayDir(), "relay.db"),
		LogLevel:       "info",
		PoolSize:       4,
		PollInterval:   "1s",
		LeaseTTL:       "30s",
		GatewayURL:     "http://localhost:4700",
		GatewayTimeout: "30s",
		WebhookTimeout: "30s",
		CronEnabled:    true,
	}
}

func relayDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

func settingsPath() string {
	return filepath.Join(relayDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("RELAY_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("RELAY_LEASE_TTL"); v != "" {
		cfg.LeaseTTL = v
	}
	if v := os.Getenv("RELAY_GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("RELAY_GATEWAY_TIMEOUT"); v != "" {
		cfg.GatewayTimeout = v
	}
	if v := os.Getenv("RELAY_WEBHOOK_TIMEOUT"); v != "" {
		cfg.WebhookTimeout = v
	}
	if v := os.Getenv("RELAY_CRON_ENABLED"); v != "" {
		cfg.CronEnabled = v == "true" || v == "1"
	}

	return cfg
}

// duration parses a config duration string, falling back when empty or invalid.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
