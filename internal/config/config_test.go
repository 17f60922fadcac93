package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"basic_config": {"server_address": ":9000"},
		"databases": {"sqlite3": {"dsn": "app.db"}},
		"chat": {"base_url": "http://localhost:5000", "timeout_seconds": 10},
		"audio": {"player_command": ["mpg123", "-q"]}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9000" {
		t.Fatalf("server address %q", cfg.BasicConfig.ServerAddress)
	}
	if cfg.Databases["sqlite3"].DSN != "app.db" {
		t.Fatalf("database dsn not loaded")
	}
	if cfg.Chat.Timeout() != 10*time.Second {
		t.Fatalf("chat timeout %v", cfg.Chat.Timeout())
	}
	if len(cfg.Audio.PlayerCommand) != 2 {
		t.Fatalf("player command not loaded: %v", cfg.Audio.PlayerCommand)
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	missingDB := writeConfig(t, `{"chat": {"base_url": "http://localhost:5000"}}`)
	if _, err := Load(missingDB); err == nil {
		t.Fatalf("expected error when no database is configured")
	}

	missingChat := writeConfig(t, `{"databases": {"sqlite3": {"dsn": "app.db"}}}`)
	if _, err := Load(missingChat); err == nil {
		t.Fatalf("expected error when chat.base_url is missing")
	}
}

func TestChatTimeoutDefault(t *testing.T) {
	var c ChatConfig
	if c.Timeout() != 30*time.Second {
		t.Fatalf("default timeout %v, want 30s", c.Timeout())
	}
}
