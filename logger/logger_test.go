package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"off":     zerolog.Disabled,
		"verbose": zerolog.InfoLevel,
	}
	for input, want := range tests {
		if got := parseLogLevel(input); got != want {
			t.Errorf("parseLogLevel(%q): expected %s, got %s", input, want, got)
		}
	}
}

func TestNewWritesToOut(t *testing.T) {
	t.Setenv(EnvLevel, "warn")
	var buf bytes.Buffer

	log, closer, err := New(Options{Out: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer closer.Close()

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"message":"shown"`) {
		t.Errorf("Unexpected log output %q", out)
	}
}

func TestNewLevelOverridesEnv(t *testing.T) {
	t.Setenv(EnvLevel, "error")
	var buf bytes.Buffer

	log, _, err := New(Options{Out: &buf, Level: "debug"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Debug().Msg("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("Expected debug output, got %q", buf.String())
	}
}

func TestNewLogFile(t *testing.T) {
	t.Setenv(EnvLevel, "info")
	path := filepath.Join(t.TempDir(), "claude.log")

	log, closer, err := New(Options{File: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info().Str("component", "test").Msg("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), `"component":"test"`) {
		t.Errorf("Expected JSON log line, got %q", data)
	}
}

func TestNewRejectsPrettyFile(t *testing.T) {
	if _, _, err := New(Options{File: "x.log", Pretty: true}); err == nil {
		t.Error("Expected pretty with file to fail")
	}
}
