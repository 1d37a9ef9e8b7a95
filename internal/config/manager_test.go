package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  poll_timeout: "7s"
poller:
  base_interval: "30s"
  max_workers: 4
logging:
  level: "debug"
  console: true
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Poller.MaxWorkers != 4 {
		t.Fatalf("max_workers = %d", cfg.Poller.MaxWorkers)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "x"
  shiny_new_knob: true
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestEnvTokenOverride(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "from-file"
`)
	t.Setenv(EnvToken, "from-env")
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q, want the env override", cfg.Telegram.Token)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "45s"); err != nil || d != 45*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("poller.base_interval", "bogus"); err == nil ||
		!strings.Contains(err.Error(), "poller.base_interval") {
		t.Fatalf("err = %v, want field path in message", err)
	}
	if d, err := ParseDurationOrDefault("x", "", 9*time.Second); err != nil || d != 9*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
