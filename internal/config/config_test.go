package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultTargetFPS != 15 {
		t.Fatalf("expected default fps 15, got %d", cfg.DefaultTargetFPS)
	}
	if len(cfg.TransportOrder) != 1 || cfg.TransportOrder[0] != "tcp" {
		t.Fatalf("expected default transport order [tcp], got %v", cfg.TransportOrder)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "default_target_fps: 30\ntransport_order:\n  - udp\n  - tcp\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultTargetFPS != 30 {
		t.Fatalf("expected fps 30 from yaml, got %d", cfg.DefaultTargetFPS)
	}
	if len(cfg.TransportOrder) != 2 || cfg.TransportOrder[0] != "udp" {
		t.Fatalf("expected [udp tcp] from yaml, got %v", cfg.TransportOrder)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("default_target_fps: 30\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RTSPRELAY_DEFAULT_TARGET_FPS", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultTargetFPS != 5 {
		t.Fatalf("expected env override to win, got %d", cfg.DefaultTargetFPS)
	}
}

func TestValidateRejectsBadJPEGQuality(t *testing.T) {
	cfg := Default()
	cfg.DefaultJPEGQuality = 99
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	cfg := Default()
	cfg.TransportOrder = []string{"sctp"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown transport")
	}
}

func TestValidateRejectsGracePeriodBelowFloor(t *testing.T) {
	cfg := Default()
	cfg.GracePeriodSeconds = 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for grace_period_seconds below the 2s floor")
	}
}
