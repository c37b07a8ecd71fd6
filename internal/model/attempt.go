package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates exam attempt states.
type AttemptStatus string

const (
	AttemptStatusNotStarted AttemptStatus = "NOT_STARTED"
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitting AttemptStatus = "SUBMITTING"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
	AttemptStatusExpired    AttemptStatus = "EXPIRED"
	AttemptStatusAborted    AttemptStatus = "ABORTED"
)

// Terminal reports whether no further lifecycle transition is permitted.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptStatusSubmitted, AttemptStatusExpired, AttemptStatusAborted:
		return true
	}
	return false
}

// rank orders statuses so transitions can be checked for monotonicity.
// All terminal statuses share the highest rank.
func (s AttemptStatus) rank() int {
	switch s {
	case AttemptStatusNotStarted:
		return 0
	case AttemptStatusInProgress:
		return 1
	case AttemptStatusSubmitting:
		return 2
	case AttemptStatusSubmitted, AttemptStatusExpired, AttemptStatusAborted:
		return 3
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle
// monotonic. Terminal statuses never transition.
func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// ExamAttempt is one timed instance of a participant taking a quiz.
type ExamAttempt struct {
	ID                   uuid.UUID     `json:"id"`
	QuizID               uuid.UUID     `json:"quiz_id"`
	ParticipantID        string        `json:"participant_id"`
	AttemptNumber        int           `json:"attempt_number"`
	StartedAt            time.Time     `json:"started_at"`
	Deadline             time.Time     `json:"deadline"`
	Status               AttemptStatus `json:"status"`
	CurrentQuestionIndex int           `json:"current_question_index"`
	FinishedAt           *time.Time    `json:"finished_at,omitempty"`
}

// SubmitCause records what drove an attempt into Submitting.
type SubmitCause string

const (
	SubmitCauseParticipant SubmitCause = "participant"
	SubmitCauseTimer       SubmitCause = "timer"
	SubmitCauseAdmin       SubmitCause = "admin"
)

// SubmissionResult is the terminal outcome of an attempt as reported to the
// participant. Unconfirmed lists questions whose latest value could not be
// confirmed durable before submission.
type SubmissionResult struct {
	AttemptID    uuid.UUID     `json:"attempt_id"`
	SubmissionID string        `json:"submission_id,omitempty"`
	Status       AttemptStatus `json:"status"`
	Cause        SubmitCause   `json:"cause,omitempty"`
	Unconfirmed  []string      `json:"unconfirmed"`
	Preview      ScorePreview  `json:"preview"`
	SubmittedAt  time.Time     `json:"submitted_at"`
}

// StartAttemptRequest is the payload for a participant starting a quiz.
type StartAttemptRequest struct {
	Password string `json:"password" binding:"omitempty,max=128"`
}

// AbortAttemptRequest is the payload for an administrator aborting an attempt.
type AbortAttemptRequest struct {
	Reason string `json:"reason" binding:"required,min=3,max=500"`
}
