package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/billm/pipebus/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{
			name:    "valid json config to stdout",
			cfg:     config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			wantErr: false,
		},
		{
			name:    "valid text config to stderr",
			cfg:     config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"},
			wantErr: false,
		},
		{
			name:    "none level",
			cfg:     config.LoggingConfig{Level: "none", Format: "text", Output: "stdout"},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			cfg:     config.LoggingConfig{Level: "invalid", Format: "json", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			cfg:     config.LoggingConfig{Level: "info", Format: "invalid", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "empty output defaults to stdout",
			cfg:     config.LoggingConfig{Level: "info", Format: "json", Output: ""},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger without error")
			}
		})
	}
}

func TestNewDefaultLogger(t *testing.T) {
	logger, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault() error = %v", err)
	}
	if logger.GetLevel() != LevelInfo {
		t.Errorf("NewDefault() level = %v, want %v", logger.GetLevel(), LevelInfo)
	}
}

func TestLoggerSetLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "text", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	child := logger.With("component", "test")

	child.Debug("hidden debug")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %q", buf.String())
	}

	logger.SetLevel(LevelDebug)
	child.Debug("visible debug")
	if !strings.Contains(buf.String(), "visible debug") {
		t.Errorf("derived logger did not follow SetLevel, output = %q", buf.String())
	}
	if !strings.Contains(buf.String(), "component=test") {
		t.Errorf("derived logger lost its attributes, output = %q", buf.String())
	}
}

func TestLoggerNoneLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "json", LevelNone)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	logger.Error("should not appear")
	if buf.Len() != 0 {
		t.Errorf("none level wrote output: %q", buf.String())
	}
	if logger.Enabled(LevelError) {
		t.Error("Enabled(LevelError) = true at none level")
	}
	if LevelNone.String() != "NONE" {
		t.Errorf("LevelNone.String() = %s, want NONE", LevelNone.String())
	}
}

func TestLoggerEnabled(t *testing.T) {
	logger := NewNop()
	logger.SetLevel(LevelWarn)

	tests := []struct {
		level Level
		want  bool
	}{
		{LevelDebug, false},
		{LevelInfo, false},
		{LevelWarn, true},
		{LevelError, true},
	}
	for _, tt := range tests {
		if got := logger.Enabled(tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLoggerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "json", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	logger.WithGroup("broker").Info("grouped", "clients", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not valid JSON: %v", err)
	}
	group, ok := entry["broker"].(map[string]any)
	if !ok {
		t.Fatalf("entry has no broker group: %v", entry)
	}
	if group["clients"] != float64(3) {
		t.Errorf("broker.clients = %v, want 3", group["clients"])
	}
}

func TestLoggerFileOutput(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "logs", "pipebusd.log")

	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: tmpFile})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("test message", "key", "value")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	data, err := os.ReadFile(tmpFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Errorf("log entry is not valid JSON: %v", err)
	}
	if msg, ok := entry["msg"].(string); !ok || msg != "test message" {
		t.Errorf("log message = %v, want 'test message'", entry["msg"])
	}
}

func TestLoggerRotatingFileOutput(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "rotating.log")

	logger, err := New(config.LoggingConfig{
		Level:           "info",
		Format:          "text",
		Output:          tmpFile,
		RotationEnabled: true,
		MaxSize:         1,
		MaxBackups:      1,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("rotated message")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(tmpFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "rotated message") {
		t.Errorf("log file = %q, want rotated message", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"none", LevelNone, false},
		{"trace", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGlobalLogger(t *testing.T) {
	original := Global()
	defer SetGlobal(original)

	var buf bytes.Buffer
	custom, err := NewWithWriter(&buf, "text", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	SetGlobal(custom)

	if Global() != custom {
		t.Error("Global() did not return the logger passed to SetGlobal")
	}
	With("component", "global").Info("through global")
	if !strings.Contains(buf.String(), "through global") {
		t.Errorf("global output = %q", buf.String())
	}
}
