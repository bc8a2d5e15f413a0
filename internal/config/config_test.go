package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AGENTDECK_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Agent.Command != "claude" {
		t.Fatalf("agent command = %q", cfg.Agent.Command)
	}
	if cfg.Runs.MaxConcurrent != 2 {
		t.Fatalf("max_concurrent = %d", cfg.Runs.MaxConcurrent)
	}
	if cfg.RunMaxDuration() != 60*time.Minute {
		t.Fatalf("run max duration = %v", cfg.RunMaxDuration())
	}
	if cfg.Runs.Dir != filepath.Join(cfg.HomeDir, "runs") {
		t.Fatalf("runs dir = %q", cfg.Runs.Dir)
	}
	if cfg.SessionIdleTimeout() != 30*time.Minute {
		t.Fatalf("idle timeout = %v", cfg.SessionIdleTimeout())
	}
}

func TestLoad_FileAndNormalize(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTDECK_HOME", home)

	yaml := `
bind_addr: "0.0.0.0:9000"
auth_token: "tok"
agent:
  command: "my-agent"
runs:
  max_concurrent: 0
  max_duration_minutes: 5
sessions:
  idle_timeout_minutes: 10
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.AuthToken != "tok" {
		t.Fatalf("auth_token = %q", cfg.AuthToken)
	}
	if cfg.Agent.Command != "my-agent" {
		t.Fatalf("agent command = %q", cfg.Agent.Command)
	}
	// Zero max_concurrent normalizes back to the default.
	if cfg.Runs.MaxConcurrent != 2 {
		t.Fatalf("max_concurrent = %d", cfg.Runs.MaxConcurrent)
	}
	if cfg.Runs.MaxDurationMinutes != 5 {
		t.Fatalf("max_duration_minutes = %d", cfg.Runs.MaxDurationMinutes)
	}
	if cfg.Sessions.IdleTimeoutMinutes != 10 {
		t.Fatalf("idle_timeout_minutes = %d", cfg.Sessions.IdleTimeoutMinutes)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTDECK_HOME", t.TempDir())
	t.Setenv("AGENTDECK_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("AGENTDECK_MAX_CONCURRENT_RUNS", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Runs.MaxConcurrent != 8 {
		t.Fatalf("max_concurrent = %d", cfg.Runs.MaxConcurrent)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs produced different fingerprints")
	}
	b.Runs.MaxConcurrent = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different configs produced the same fingerprint")
	}
}
