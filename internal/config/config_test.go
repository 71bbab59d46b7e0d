package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRelayDefaults(t *testing.T) {
	t.Setenv("CHAT_DOTENV", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("RELAY_TOKEN_SECRET", "s3cret")
	t.Setenv("RELAY_HISTORY_LIMIT", "-4")
	t.Setenv("RELAY_WS_WRITE_TIMEOUT_MS", "nope")
	t.Setenv("RELAY_CORS_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := LoadRelay()
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if cfg.Addr != ":8090" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.HistoryLimit != 200 {
		t.Fatalf("expected history limit fallback, got %d", cfg.HistoryLimit)
	}
	if cfg.WSWriteTimeout != 5*time.Second {
		t.Fatalf("expected write timeout fallback, got %v", cfg.WSWriteTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.CORSOrigins)
	}
}

func TestLoadRelayRequiresSecret(t *testing.T) {
	t.Setenv("RELAY_TOKEN_SECRET", "")
	if _, err := LoadRelay(); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestLoadClientReadsEnvironment(t *testing.T) {
	t.Setenv("CHAT_USER_ID", "42")
	t.Setenv("CHAT_RELAY_URL", "ws://relay.test/ws")
	t.Setenv("RELAY_TOKEN_TTL", "90m")

	cfg := LoadClient()
	if cfg.UserID != 42 {
		t.Fatalf("expected user 42, got %d", cfg.UserID)
	}
	if cfg.RelayURL != "ws://relay.test/ws" {
		t.Fatalf("unexpected relay url %q", cfg.RelayURL)
	}
	if cfg.TokenTTL != 90*time.Minute {
		t.Fatalf("unexpected ttl %v", cfg.TokenTTL)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_INT", "abc")
	if got := envInt("X_INT", 7); got != 7 {
		t.Fatalf("envInt fallback: got %d", got)
	}
	t.Setenv("X_BOOL", "true")
	if !getbool("X_BOOL", false) {
		t.Fatalf("getbool: expected true")
	}
	os.Unsetenv("X_MISSING")
	if got := envOr("X_MISSING", "d"); got != "d" {
		t.Fatalf("envOr fallback: got %q", got)
	}
}
