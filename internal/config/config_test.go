package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MaxSessionsPerUser != 3 {
		t.Fatalf("MaxSessionsPerUser = %d, want 3", cfg.MaxSessionsPerUser)
	}
	if cfg.ReconnectGrace != 30*time.Second {
		t.Fatalf("ReconnectGrace = %v, want 30s", cfg.ReconnectGrace)
	}
	if cfg.FrameMaxBytes < cfg.FrameMinBytes {
		t.Fatalf("frame window inverted: min=%d max=%d", cfg.FrameMinBytes, cfg.FrameMaxBytes)
	}
	if _, ok := cfg.TierCaps["free"]; !ok {
		t.Fatalf("default tier caps missing free tier: %v", cfg.TierCaps)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("SESSION_IDLE_TIMEOUT", "1s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject 1s idle timeout")
	}
}

func TestLoadRejectsUnknownDefaultTier(t *testing.T) {
	t.Setenv("COST_DEFAULT_TIER", "platinum")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject a default tier with no cap entry")
	}
}

func TestValidateFrameWindow(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.FrameMinBytes = 4000
	cfg.FrameMaxBytes = 100
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() should reject inverted frame window")
	}
}
