package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.Flows.SaveDebounce != 400*time.Millisecond {
		t.Fatalf("flows.save_debounce default = %v, want %v", cfg.Flows.SaveDebounce, 400*time.Millisecond)
	}
	if cfg.Sessions.PoolCap != 5 {
		t.Fatalf("sessions.pool_cap default = %d, want 5", cfg.Sessions.PoolCap)
	}
	if cfg.Cache.MaxMessages != 200 {
		t.Fatalf("cache.max_messages default = %d, want 200", cfg.Cache.MaxMessages)
	}
}

func TestLoadInterpolatesEnv(t *testing.T) {
	t.Setenv("FLOWDECK_TEST_TOKEN", "sekrit")
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  base_url: http://127.0.0.1:8090
  token: ${FLOWDECK_TEST_TOKEN}
  agent: a1
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Token != "sekrit" {
		t.Fatalf("token = %q, want interpolated value", cfg.Server.Token)
	}
}

func TestLoadRejectsUnsetEnvToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  base_url: http://127.0.0.1:8090
  token: ${FLOWDECK_DEFINITELY_UNSET_VAR}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "FLOWDECK_DEFINITELY_UNSET_VAR") {
		t.Fatalf("expected unset env var error, got %v", err)
	}
}

func TestValidateRejectsMissingServer(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected validation error for missing server config")
	}
}
