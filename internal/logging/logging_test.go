package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithWriter_EmitsTimestampedJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info")

	logger.Info().Str("service", "auth").Msg("service started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["message"] != "service started" {
		t.Fatalf("unexpected message: %v", entry["message"])
	}
	if entry["service"] != "auth" {
		t.Fatalf("unexpected service field: %v", entry["service"])
	}
	if _, ok := entry["time"]; !ok {
		t.Fatalf("expected timestamp field, got %s", buf.String())
	}
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn")

	logger.Info().Msg("suppressed")
	logger.Warn().Msg("emitted")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("info entry should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "emitted") {
		t.Fatalf("warn entry missing: %s", out)
	}
}

func TestNewWithWriter_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "shouting")

	logger.Debug().Msg("debug entry")
	logger.Info().Msg("info entry")

	out := buf.String()
	if strings.Contains(out, "debug entry") {
		t.Fatalf("debug should be filtered at fallback level: %s", out)
	}
	if !strings.Contains(out, "info entry") {
		t.Fatalf("info entry missing: %s", out)
	}
}
