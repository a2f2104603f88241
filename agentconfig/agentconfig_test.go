package agentconfig

import (
	"log/slog"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"SSH_HOST", "SSH_PORT", "SSH_USER", "SSH_KEY_FILE", "SSH_HOST_KEYS_FILE", "LOG_LEVEL"} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.SSHHost != defaultHost {
		t.Errorf("SSHHost = %q, want %q", cfg.SSHHost, defaultHost)
	}
	if cfg.SSHPort != defaultPort {
		t.Errorf("SSHPort = %d, want %d", cfg.SSHPort, defaultPort)
	}
	if cfg.SSHUser != defaultUser {
		t.Errorf("SSHUser = %q, want %q", cfg.SSHUser, defaultUser)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.Strict() {
		t.Error("Strict() = true with no SSH_HOST_KEYS_FILE")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SSH_HOST", "tunnel.example.com")
	t.Setenv("SSH_PORT", "2200")
	t.Setenv("SSH_USER", "agent")
	t.Setenv("SSH_KEY_FILE", "/etc/agent/key")
	t.Setenv("SSH_HOST_KEYS_FILE", "/etc/agent/known_hosts")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.SSHHost != "tunnel.example.com" {
		t.Errorf("SSHHost = %q", cfg.SSHHost)
	}
	if cfg.SSHPort != 2200 {
		t.Errorf("SSHPort = %d", cfg.SSHPort)
	}
	if cfg.SSHUser != "agent" {
		t.Errorf("SSHUser = %q", cfg.SSHUser)
	}
	if cfg.SSHKeyFile != "/etc/agent/key" {
		t.Errorf("SSHKeyFile = %q", cfg.SSHKeyFile)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want Warn", cfg.LogLevel)
	}
	if !cfg.Strict() {
		t.Error("Strict() = false with SSH_HOST_KEYS_FILE set")
	}
}

func TestLoadInvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("SSH_PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Error("Load() with invalid SSH_PORT: want error, got nil")
	}
}
