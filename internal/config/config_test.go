package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var allEnv = []string{
	envConfigFile, envListenAddr, envLogLevel, envContentURL, envOAuthURL,
	envClientID, envRedirectURI, envTokenserverURL, envStoreKey,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnv {
		t.Setenv(k, "")
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lockbox.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg != Default() {
		t.Errorf("Load() = %+v, want %+v", cfg, Default())
	}
	if cfg.ClientID != defaultClientID {
		t.Errorf("ClientID = %q, want %q", cfg.ClientID, defaultClientID)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envTokenserverURL, "http://localhost:5000/token")
	t.Setenv(envStoreKey, "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.TokenserverURL != "http://localhost:5000/token" {
		t.Errorf("TokenserverURL = %q", cfg.TokenserverURL)
	}
	if cfg.StoreKey != "s3cret" {
		t.Errorf("StoreKey = %q", cfg.StoreKey)
	}
	if cfg.ContentURL != defaultContentURL {
		t.Errorf("ContentURL = %q, want default", cfg.ContentURL)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
listen_addr: ":7000"
log_level: warn
client_id: from-file
redirect_uri: https://example.test/redirect
`)
	t.Setenv(envConfigFile, path)
	t.Setenv(envClientID, "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":7000")
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelWarn)
	}
	if cfg.ClientID != "from-env" {
		t.Errorf("ClientID = %q, want env to win over file", cfg.ClientID)
	}
	if cfg.RedirectURI != "https://example.test/redirect" {
		t.Errorf("RedirectURI = %q", cfg.RedirectURI)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigFile, writeConfigFile(t, ""))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{"unknown field", func(t *testing.T) string { return writeConfigFile(t, "listen_adr: x\n") }},
		{"not yaml", func(t *testing.T) string { return writeConfigFile(t, "listen_addr: [\n") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(envConfigFile, tt.path(t))
			if _, err := Load(); err == nil {
				t.Error("Load succeeded, want error")
			} else if !strings.Contains(err.Error(), "config file") {
				t.Errorf("error = %v, want config file context", err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
