package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ORIGIN_BASE_URL", "https://accounts.example.com")
	t.Setenv("ORIGIN_IDENTIFIER", "checker@example.com")
	t.Setenv("ORIGIN_PASSWORD", "test-password")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_LEVEL", "info")
}

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, log, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg == nil || log == nil {
		t.Fatal("expected non-nil config and logger")
	}
	if cfg.OriginBaseURL != "https://accounts.example.com" {
		t.Errorf("OriginBaseURL = %q, want %q", cfg.OriginBaseURL, "https://accounts.example.com")
	}

	// グローバルロガーがJSON出力に設定されていること
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
	if entry["service"] != "namecheck" {
		t.Errorf("service = %q, want %q", entry["service"], "namecheck")
	}
}

func TestInit_LogLevelFromEnv(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "error")

	var buf bytes.Buffer
	if _, _, err := Init(&buf); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	slog.Default().Warn("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("expected no output below error level, got %s", buf.String())
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	t.Setenv("ORIGIN_BASE_URL", "")
	t.Setenv("ORIGIN_IDENTIFIER", "")
	t.Setenv("ORIGIN_PASSWORD", "")
	t.Setenv("REDIS_URL", "")

	var buf bytes.Buffer
	cfg, _, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestFatalSignal_DeliversFirstErrorOnly(t *testing.T) {
	f := newFatalSignal()
	first := &testError{"first"}

	f.NotifyFatal(first)
	f.NotifyFatal(&testError{"second"})

	select {
	case err := <-f.ch:
		if err != first {
			t.Errorf("err = %v, want %v", err, first)
		}
	default:
		t.Fatal("expected an error on the channel")
	}
	select {
	case err := <-f.ch:
		t.Errorf("unexpected second error: %v", err)
	default:
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
