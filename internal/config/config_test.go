package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MOBYCLAW_HOME", home)
	for _, k := range []string{
		"AGENT_URL", "RUN_TIMEOUT_MS", "MAX_TURNS", "HEARTBEAT_INTERVAL",
		"QUEUE_DEBOUNCE_MS", "TELEGRAM_ALLOWED_USERS", "PORT",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.AgentURL != "http://127.0.0.1:8787" {
		t.Fatalf("unexpected AgentURL default: %q", cfg.AgentURL)
	}
	if cfg.MaxTurns != 80 {
		t.Fatalf("expected default MaxTurns 80, got %d", cfg.MaxTurns)
	}
	if cfg.HeartbeatInterval != 15*time.Minute {
		t.Fatalf("expected default heartbeat interval 15m, got %v", cfg.HeartbeatInterval)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.DataRoot != home {
		t.Fatalf("expected data root %q, got %q", home, cfg.DataRoot)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("MOBYCLAW_HOME", t.TempDir())
	t.Setenv("MAX_TURNS", "40")
	t.Setenv("ACTIVE_HOURS", "08:00-20:00")
	t.Setenv("TELEGRAM_ALLOWED_USERS", "1, 2 ,3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxTurns != 40 {
		t.Fatalf("expected MaxTurns 40, got %d", cfg.MaxTurns)
	}
	if cfg.ActiveHoursStart != "08:00" || cfg.ActiveHoursEnd != "20:00" {
		t.Fatalf("unexpected active hours: %s-%s", cfg.ActiveHoursStart, cfg.ActiveHoursEnd)
	}
	if len(cfg.TelegramAllowedUsers) != 3 {
		t.Fatalf("expected 3 allowed users, got %v", cfg.TelegramAllowedUsers)
	}
}
