package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestNewLevels(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	var buf bytes.Buffer
	log := New(&buf, "warn", "json")
	log.Info().Msg("dropped")
	log.Warn().Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["message"] != "kept" || entry["service"] == nil {
		t.Fatalf("entry = %v", entry)
	}
	if _, ok := entry["caller"]; ok {
		t.Fatalf("caller attached above debug")
	}
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	var buf bytes.Buffer
	log := New(&buf, "chatty", "json")
	if log.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("level = %s", log.GetLevel())
	}
}

func TestAttemptFields(t *testing.T) {
	var buf bytes.Buffer
	attemptID, quizID := uuid.New(), uuid.New()
	log := Attempt(zerolog.New(&buf), "engine", attemptID, quizID, "p-1")
	log.Info().Msg("x")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["attempt_id"] != attemptID.String() || entry["participant_id"] != "p-1" || entry["component"] != "engine" {
		t.Fatalf("entry = %v", entry)
	}
}
