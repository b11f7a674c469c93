package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend modes.
const (
	ModeDirect = "direct"
	ModeRelay  = "relay"
)

// Config holds all configuration for the browser bridge.
type Config struct {
	// Backend selection
	Mode string

	// CDP connection settings (direct mode)
	CDPAddress string
	CDPPort    int

	// Browser launch behavior (direct mode)
	AutoLaunch bool
	Headless   bool
	ProfileDir string
	StartURL   string
	WindowSize string

	// API server bind settings
	BindAddr         string
	BindCandidates   []string
	BindAutoFallback bool

	// Relay timing
	CommandTimeout time.Duration
	PingInterval   time.Duration

	// Snapshot storage
	SnapshotDir string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		Mode:             getEnvOrDefault("BRIDGE_MODE", ModeDirect),
		CDPAddress:       getEnvOrDefault("BRIDGE_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("BRIDGE_CDP_PORT", 9222),
		AutoLaunch:       getEnvBoolOrDefault("BRIDGE_AUTO_LAUNCH", false),
		Headless:         getEnvBoolOrDefault("BRIDGE_HEADLESS", false),
		ProfileDir:       getEnvOrDefault("BRIDGE_PROFILE_DIR", ""),
		StartURL:         getEnvOrDefault("BRIDGE_START_URL", "about:blank"),
		WindowSize:       getEnvOrDefault("BRIDGE_WINDOW_SIZE", "1280,900"),
		BindAddr:         getEnvOrDefault("BRIDGE_BIND_ADDR", "127.0.0.1:8700"),
		BindCandidates:   getEnvListOrDefault("BRIDGE_BIND_CANDIDATES", []string{"127.0.0.1:8700", "127.0.0.1:8701", "127.0.0.1:8702"}),
		BindAutoFallback: getEnvBoolOrDefault("BRIDGE_BIND_AUTO_FALLBACK", true),
		CommandTimeout:   getEnvDurationOrDefault("BRIDGE_COMMAND_TIMEOUT", 30*time.Second),
		PingInterval:     getEnvDurationOrDefault("BRIDGE_PING_INTERVAL", 5*time.Second),
		SnapshotDir:      getEnvOrDefault("BRIDGE_SNAPSHOT_DIR", "./snapshots"),
		LogLevel:         getEnvOrDefault("BRIDGE_LOG_LEVEL", "info"),
		LogFile:          getEnvOrDefault("BRIDGE_LOG_FILE", ""),
	}

	if cfg.Mode != ModeDirect && cfg.Mode != ModeRelay {
		return nil, fmt.Errorf("config: invalid BRIDGE_MODE %q (want %q or %q)", cfg.Mode, ModeDirect, ModeRelay)
	}

	return cfg, nil
}

// CDPURL returns the full remote-debugging HTTP endpoint for direct mode.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultVal
}
