package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Engine.Role != "authority" {
		t.Errorf("defaults = port %s role %s", cfg.Server.Port, cfg.Engine.Role)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("server:\n  port: \"9090\"\nengine:\n  role: replica\nnats:\n  enabled: true\n  url: nats://bus:4222\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %s", cfg.Server.Port)
	}
	if cfg.Engine.Role != "replica" || !cfg.NATS.Enabled || cfg.NATS.URL != "nats://bus:4222" {
		t.Errorf("engine/nats = %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DECKSYNC_PORT", "7000")
	t.Setenv("DECKSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "7000" {
		t.Errorf("port = %s, want env override", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %s", cfg.Log.Level)
	}
}

func TestInvalidRoleRejected(t *testing.T) {
	t.Setenv("DECKSYNC_ROLE", "observer")
	if _, err := Load(""); err == nil {
		t.Error("invalid role accepted")
	}
}

func TestReplicaRequiresBus(t *testing.T) {
	t.Setenv("DECKSYNC_ROLE", "replica")
	t.Setenv("DECKSYNC_NATS_ENABLED", "false")
	if _, err := Load(""); err == nil {
		t.Error("replica without bus accepted")
	}
}
