package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Setup builds the process logger. format "pretty" writes console output for
// development, anything else writes JSON lines. Unknown levels fall back to
// info. Caller information is only attached at debug and below.
func Setup(level, format string) zerolog.Logger {
	return New(os.Stdout, level, format)
}

// New is Setup with an explicit destination.
func New(out io.Writer, level, format string) zerolog.Logger {
	if format == "pretty" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.DurationFieldUnit = time.Millisecond

	ctx := zerolog.New(out).Level(lvl).With().
		Timestamp().
		Str("service", filepath.Base(os.Args[0]))
	if host, err := os.Hostname(); err == nil {
		ctx = ctx.Str("host", host)
	}
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Attempt derives a logger that tags every line with the attempt's identity.
func Attempt(base zerolog.Logger, component string, attemptID, quizID uuid.UUID, participantID string) zerolog.Logger {
	return base.With().
		Str("component", component).
		Str("attempt_id", attemptID.String()).
		Str("quiz_id", quizID.String()).
		Str("participant_id", participantID).
		Logger()
}
