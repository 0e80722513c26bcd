package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewDefaultsToInfoOnInvalidLevel(t *testing.T) {
	New(Config{Level: "not-a-level", Format: "json"})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected fallback to info level, got %v", zerolog.GlobalLevel())
	}
}

func TestNewHonorsConfiguredLevel(t *testing.T) {
	New(Config{Level: "warn", Format: "json"})
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", zerolog.GlobalLevel())
	}
}

func TestLogErrorIncludesErrAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	LogError(logger, errors.New("boom"), "operation failed", map[string]any{"attempt": 3})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON log line, got error: %v (%s)", err, buf.String())
	}
	if decoded["error"] != "boom" || decoded["message"] != "operation failed" {
		t.Fatalf("unexpected log line: %+v", decoded)
	}
	if _, ok := decoded["attempt"]; !ok {
		t.Fatal("expected attempt field to be present")
	}
}

func TestLogPanicIncludesStackTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	LogPanic(logger, "unexpected nil", "worker panicked", map[string]any{"worker_id": 1})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON log line, got error: %v (%s)", err, buf.String())
	}
	if decoded["panic_value"] != "unexpected nil" || decoded["message"] != "worker panicked" {
		t.Fatalf("unexpected log line: %+v", decoded)
	}
	if _, ok := decoded["stack_trace"]; !ok {
		t.Fatal("expected stack_trace field to be present")
	}
}
