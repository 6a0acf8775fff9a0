package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"pdf-vector-ingest/internal/config"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, &config.Config{LogLevel: "warn", LogFormat: "json"})

	log.Info("dropped")
	log.Warn("kept", "stage", "embed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "kept" || entry["stage"] != "embed" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewTextFormatAndGinDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, &config.Config{GinMode: "debug", LogFormat: "text"})

	log.Debug("chunked", "chunks", 5)

	out := buf.String()
	if !strings.Contains(out, "msg=chunked") || !strings.Contains(out, "chunks=5") {
		t.Errorf("unexpected text output %q", out)
	}
}
