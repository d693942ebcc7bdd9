package telemetry

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("routing decision", "task_id", "t1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"msg":"routing decision"`) {
		t.Fatalf("log line missing message: %s", line)
	}
	if !strings.Contains(line, `"timestamp"`) {
		t.Fatalf("log line missing renamed timestamp key: %s", line)
	}
}

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("notify", "telegram_token", "12345:abcdef")
	_ = closer.Close()

	data, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if strings.Contains(string(data), "abcdef") {
		t.Fatal("token value leaked into log")
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatal("expected redaction marker")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
