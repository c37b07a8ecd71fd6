package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	// ErrInvalidIntent is the root of every rejected participant intent. The
	// engine treats such intents as no-ops.
	ErrInvalidIntent     = errors.New("invalid intent")
	ErrAttemptClosed     = fmt.Errorf("%w: attempt is closed", ErrInvalidIntent)
	ErrAttemptNotStarted = fmt.Errorf("%w: attempt has not started", ErrInvalidIntent)
	ErrUnknownQuestion   = fmt.Errorf("%w: unknown question", ErrInvalidIntent)
	ErrMalformedAnswer   = fmt.Errorf("%w: malformed answer", ErrInvalidIntent)
	ErrUnknownEventKind  = fmt.Errorf("%w: unknown proctoring event kind", ErrInvalidIntent)

	ErrAttemptNotFound = errors.New("attempt not found")
	ErrEngineStopped   = errors.New("attempt engine stopped")
)

// TransientPersistenceFailure is a failed autosave. It is retried and never
// blocks the attempt.
type TransientPersistenceFailure struct {
	QuestionID string
	Attempt    int
	Err        error
}

func (e *TransientPersistenceFailure) Error() string {
	if e.QuestionID == "" {
		return fmt.Sprintf("persist flags (attempt %d): %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("persist response %s (attempt %d): %v", e.QuestionID, e.Attempt, e.Err)
}

func (e *TransientPersistenceFailure) Unwrap() error { return e.Err }

// TerminalSubmissionFailure means the grading collaborator did not accept the
// submission after every retry.
type TerminalSubmissionFailure struct {
	AttemptID uuid.UUID
	Attempts  int
	Err       error
}

func (e *TerminalSubmissionFailure) Error() string {
	return fmt.Sprintf("submit attempt %s failed after %d tries: %v", e.AttemptID, e.Attempts, e.Err)
}

func (e *TerminalSubmissionFailure) Unwrap() error { return e.Err }

// IntegrityEscalation is raised when proctoring signals cross the configured
// threshold. It is reported only.
type IntegrityEscalation struct {
	Kind  model.ProctoringKind
	Count int
}

func (e *IntegrityEscalation) Error() string {
	return fmt.Sprintf("integrity escalation: %d %s events", e.Count, e.Kind)
}
