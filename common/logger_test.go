package common

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAppLogger_LogFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := &AppLogger{level: LevelWarn, logger: log.New(&buf, "", 0)}

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() > 0 {
		t.Error("Debug/Info messages should be filtered when level is Warn")
	}

	logger.Warn("warn message")
	if !strings.Contains(buf.String(), "[WARN]") {
		t.Error("Warn message should be logged")
	}

	buf.Reset()
	logger.Error("error message")
	if !strings.Contains(buf.String(), "[ERROR]") {
		t.Error("Error message should be logged")
	}
}

func TestAppLogger_LogFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := &AppLogger{level: LevelDebug, logger: log.New(&buf, "", 0)}

	logger.Info("Test message with %s", "formatting")
	output := buf.String()

	if !strings.Contains(output, time.Now().Format("2006/01/02")) {
		t.Error("Log should contain date in YYYY/MM/DD format")
	}
	if !strings.Contains(output, "[INFO]") {
		t.Error("Log should contain level indicator")
	}
	if !strings.Contains(output, "logger_test.go:") {
		t.Errorf("Log should name the calling file, got %q", output)
	}
	if !strings.Contains(output, "Test message with formatting") {
		t.Error("Log should contain formatted message")
	}
}

func TestComponentLogger_Prefix(t *testing.T) {
	var buf bytes.Buffer
	parent := &AppLogger{level: LevelDebug, logger: log.New(&buf, "", 0)}
	c := &componentLogger{parent: parent, name: "ping"}

	c.Warn("probe to %s failed", "10.0.0.1")

	if !strings.Contains(buf.String(), "[ping] probe to 10.0.0.1 failed") {
		t.Errorf("component prefix missing: %q", buf.String())
	}
}

func TestLogRotation(t *testing.T) {
	tempDir := t.TempDir()
	logFile := filepath.Join(tempDir, "test.log")

	largeContent := strings.Repeat("x", 1024*1024)
	if err := os.WriteFile(logFile, []byte(largeContent), 0600); err != nil {
		t.Fatal(err)
	}

	logger := &AppLogger{
		level:       LevelInfo,
		maxFileSize: 512 * 1024,
		maxBackups:  2,
	}
	logger.rotateIfNeeded(logFile)

	if info, err := os.Stat(logFile); err == nil && info.Size() > 0 {
		t.Error("Original log file should be removed after rotation")
	}

	matches, _ := filepath.Glob(filepath.Join(tempDir, "test.log.*"))
	if len(matches) == 0 {
		t.Error("Backup file should be created after rotation")
	}
}

func TestWrapError(t *testing.T) {
	wrapped := WrapError(ErrTimeout, "additional context")

	if wrapped == nil {
		t.Fatal("WrapError should return non-nil error")
	}
	if !strings.Contains(wrapped.Error(), "additional context") {
		t.Error("WrapError should include additional context")
	}
	if !strings.Contains(wrapped.Error(), ErrTimeout.Error()) {
		t.Error("WrapError should include original error message")
	}
	if WrapError(nil, "context") != nil {
		t.Error("WrapError(nil) should return nil")
	}
}

func TestPaths_XDG(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(base, "data"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(base, "run"))

	tests := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"config", GetConfigDir, filepath.Join(base, "config", ConfigDirName)},
		{"data", GetDataDir, filepath.Join(base, "data", ConfigDirName)},
		{"runtime", GetRuntimeDir, filepath.Join(base, "run", ConfigDirName)},
	}
	for _, tt := range tests {
		got, err := tt.fn()
		if err != nil {
			t.Fatalf("%s dir: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s dir = %q, want %q", tt.name, got, tt.want)
		}
		if !FileExists(got) {
			t.Errorf("%s dir %q was not created", tt.name, got)
		}
	}
}
