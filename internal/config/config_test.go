package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"BRIDGE_MODE", "BRIDGE_CDP_ADDRESS", "BRIDGE_CDP_PORT", "BRIDGE_AUTO_LAUNCH",
		"BRIDGE_BIND_ADDR", "BRIDGE_COMMAND_TIMEOUT", "BRIDGE_SNAPSHOT_DIR",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeDirect {
		t.Errorf("Mode = %q, want %q", cfg.Mode, ModeDirect)
	}
	if cfg.CDPPort != 9222 {
		t.Errorf("CDPPort = %d, want 9222", cfg.CDPPort)
	}
	if cfg.AutoLaunch {
		t.Error("AutoLaunch = true, want false by default")
	}
	if cfg.CommandTimeout != 30*time.Second {
		t.Errorf("CommandTimeout = %v, want 30s", cfg.CommandTimeout)
	}
	if got := cfg.CDPURL(); got != "http://127.0.0.1:9222" {
		t.Errorf("CDPURL() = %q", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BRIDGE_MODE", "relay")
	t.Setenv("BRIDGE_CDP_PORT", "9333")
	t.Setenv("BRIDGE_AUTO_LAUNCH", "true")
	t.Setenv("BRIDGE_COMMAND_TIMEOUT", "5s")
	t.Setenv("BRIDGE_BIND_CANDIDATES", "127.0.0.1:9000, 127.0.0.1:9001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeRelay {
		t.Errorf("Mode = %q, want relay", cfg.Mode)
	}
	if cfg.CDPPort != 9333 {
		t.Errorf("CDPPort = %d, want 9333", cfg.CDPPort)
	}
	if !cfg.AutoLaunch {
		t.Error("AutoLaunch = false, want true")
	}
	if cfg.CommandTimeout != 5*time.Second {
		t.Errorf("CommandTimeout = %v, want 5s", cfg.CommandTimeout)
	}
	want := []string{"127.0.0.1:9000", "127.0.0.1:9001"}
	if len(cfg.BindCandidates) != len(want) {
		t.Fatalf("BindCandidates = %v, want %v", cfg.BindCandidates, want)
	}
	for i := range want {
		if cfg.BindCandidates[i] != want[i] {
			t.Fatalf("BindCandidates = %v, want %v", cfg.BindCandidates, want)
		}
	}
}

func TestLoadInvalidMode(t *testing.T) {
	t.Setenv("BRIDGE_MODE", "hybrid")
	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted invalid mode")
	}
}
