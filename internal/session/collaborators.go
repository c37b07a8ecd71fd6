package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctoring"
)

// StartedAttempt is what the quiz service hands back when an attempt is
// created or resumed.
type StartedAttempt struct {
	Attempt   model.ExamAttempt
	Title     string
	Questions []model.Question
}

// Starter creates attempts after checking quiz availability and password.
// Calling it again for an attempt still in progress returns that attempt.
type Starter interface {
	StartAttempt(ctx context.Context, quizID uuid.UUID, participantID, password string) (StartedAttempt, error)
}

// OpenAttempts lists attempts that are still open durably with their
// question snapshots. A non-nil deadlineBefore limits the list to attempts
// whose deadline is earlier.
type OpenAttempts interface {
	OpenAttempts(ctx context.Context, deadlineBefore *time.Time) ([]StartedAttempt, error)
}

// Gateway writes in-progress answers and flags durably.
type Gateway interface {
	PersistResponse(ctx context.Context, attemptID uuid.UUID, questionID string, value model.AnswerValue) error
	PersistFlags(ctx context.Context, attemptID uuid.UUID, flagged []string) error
}

// ResumeSource is implemented by gateways that can read back what was
// persisted, so a restarted engine picks up where the participant left off.
type ResumeSource interface {
	LoadResponses(ctx context.Context, attemptID uuid.UUID) (map[string]model.Response, error)
	LoadFlags(ctx context.Context, attemptID uuid.UUID) ([]string, error)
}

// Grader accepts the final submission. attemptID is the idempotency key:
// repeated calls for one attempt must return the same submission ID.
type Grader interface {
	SubmitAttempt(ctx context.Context, attemptID uuid.UUID, final []model.Response, unconfirmed []string) (string, error)
}

// EventSink stores the proctoring audit log.
type EventSink interface {
	RecordEvent(ctx context.Context, ev model.ProctoringEvent) error
}

// PushSource delivers server-side proctoring events for one attempt into ch
// until the returned stop func is called.
type PushSource interface {
	Subscribe(ctx context.Context, attemptID uuid.UUID, ch *proctoring.Channel) (func(), error)
}

// Finalizer records the terminal state of an attempt.
type Finalizer interface {
	AttemptFinished(ctx context.Context, attempt model.ExamAttempt, result model.SubmissionResult) error
}

// Observer receives engine measurements.
type Observer interface {
	AttemptStarted()
	AttemptFinished(status model.AttemptStatus, cause model.SubmitCause, unconfirmed int)
	FlushFinished(ok bool, elapsed time.Duration)
	ProctoringEvent(kind model.ProctoringKind, escalated bool)
}

type nopObserver struct{}

func (nopObserver) AttemptStarted()                                            {}
func (nopObserver) AttemptFinished(model.AttemptStatus, model.SubmitCause, int) {}
func (nopObserver) FlushFinished(bool, time.Duration)                           {}
func (nopObserver) ProctoringEvent(model.ProctoringKind, bool)                  {}
