package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: FormatJSON, Output: &buf})
	log.Info("hello", "key", "value")
	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Fatalf("expected JSON-encoded record, got %q", out)
	}
	if !strings.Contains(out, `"key":"value"`) {
		t.Fatalf("expected attr in JSON output, got %q", out)
	}
}

func TestNewTextFormatColorizesLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: FormatText, Output: &buf})
	log.Warn("careful")
	out := buf.String()
	if !strings.Contains(out, "\033[33m") {
		t.Fatalf("expected yellow ANSI code for warn level, got %q", out)
	}
	if !strings.Contains(out, "careful") {
		t.Fatalf("expected message in output, got %q", out)
	}
}

func TestNewAutoFormatNonTTYFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: FormatAuto, Output: &buf})
	log.Info("msg")
	if !strings.Contains(buf.String(), `"msg":"msg"`) {
		t.Fatalf("expected auto-format to pick JSON for a non-TTY writer, got %q", buf.String())
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: FormatJSON, Output: &buf, Level: slog.LevelWarn})
	log.Info("suppressed")
	log.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("expected info-level record to be filtered out, got %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("expected warn-level record to pass through, got %q", out)
	}
}
