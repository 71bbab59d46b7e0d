package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLoggerAttachesServiceAndEnv(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{ServiceName: "relay", Environment: "test", Level: "debug", Output: &buf})
	log.Debug("hello", "chat_id", "1:2")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if rec["service"] != "relay" || rec["env"] != "test" || rec["chat_id"] != "1:2" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		"WARN":   slog.LevelWarn,
		"error":  slog.LevelError,
		"":       slog.LevelInfo,
		"banana": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v want %v", in, got, want)
		}
	}
}

func TestInfoLevelDropsDebug(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{ServiceName: "chatctl", Output: &buf})
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be dropped, got %q", buf.String())
	}
}
