package gateway

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerJob is queued on the answers queue for the autosave worker.
type AnswerJob struct {
	AttemptID  string            `json:"attempt_id"`
	QuestionID string            `json:"question_id"`
	Value      model.AnswerValue `json:"value"`
	SavedAt    time.Time         `json:"saved_at"`
}

// FlagsJob is queued on the flags queue for the flags worker.
type FlagsJob struct {
	AttemptID string    `json:"attempt_id"`
	Flagged   []string  `json:"flagged"`
	SavedAt   time.Time `json:"saved_at"`
}

// FinalizeJob is queued on the finalize queue once an attempt is terminal.
type FinalizeJob struct {
	AttemptID    string              `json:"attempt_id"`
	Status       model.AttemptStatus `json:"status"`
	Cause        model.SubmitCause   `json:"cause"`
	SubmissionID string              `json:"submission_id,omitempty"`
	Score        float64             `json:"score"`
	Unconfirmed  []string            `json:"unconfirmed"`
	FinishedAt   time.Time           `json:"finished_at"`
}

// storedAnswer is the value kept in the attempt's answers hash.
type storedAnswer struct {
	Value      model.AnswerValue `json:"value"`
	ModifiedAt time.Time         `json:"modified_at"`
}
