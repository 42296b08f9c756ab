package debug

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevel(t *testing.T) {
	assert.Equal(t, LogLevel(0), LevelDebug)
	assert.Equal(t, LogLevel(1), LevelInfo)
	assert.Equal(t, LogLevel(2), LevelWarning)
	assert.Equal(t, LogLevel(3), LevelError)

	assert.Equal(t, "DEBUG", levelNames[LevelDebug])
	assert.Equal(t, "INFO", levelNames[LevelInfo])
	assert.Equal(t, "WARNING", levelNames[LevelWarning])
	assert.Equal(t, "ERROR", levelNames[LevelError])
}

func TestReinitialize(t *testing.T) {
	tests := []struct {
		name          string
		debugEnv      string
		logLevelEnv   string
		expectEnabled bool
		expectLevel   LogLevel
	}{
		{"debug disabled by default", "", "", false, LevelInfo},
		{"debug enabled with true", "true", "", true, LevelInfo},
		{"debug enabled with 1", "1", "", true, LevelInfo},
		{"debug level set to DEBUG", "true", "DEBUG", true, LevelDebug},
		{"debug level set to WARNING", "true", "WARNING", true, LevelWarning},
		{"debug level case insensitive", "true", "error", true, LevelError},
		{"unknown level falls back to info", "true", "LOUD", true, LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DEBUG", tt.debugEnv)
			t.Setenv("LOG_LEVEL", tt.logLevelEnv)
			SetOutput(&bytes.Buffer{})
			defer SetOutput(os.Stdout)

			Reinitialize()

			assert.Equal(t, tt.expectEnabled, IsEnabled)
			assert.Equal(t, tt.expectLevel, CurrentLevel)
		})
	}
}

func TestLogFiltering(t *testing.T) {
	t.Setenv("DEBUG", "true")
	t.Setenv("LOG_LEVEL", "WARNING")

	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	Reinitialize()
	buf.Reset()

	Debug("debug %d", 1)
	Info("info %d", 2)
	Warning("warning %d", 3)
	Error("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "warning 3")
	assert.Contains(t, out, "error 4")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "debug_test.go")
}

func TestLogDisabled(t *testing.T) {
	t.Setenv("DEBUG", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")

	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	Reinitialize()

	Error("should not appear")
	assert.Empty(t, strings.TrimSpace(buf.String()))
}
