package model

import (
	"time"

	"github.com/google/uuid"
)

// Quiz is the quiz configuration an attempt is started against.
type Quiz struct {
	ID                    uuid.UUID  `json:"id"`
	Title                 string     `json:"title"`
	TimeLimitSeconds      int        `json:"time_limit_seconds"`
	PasswordHash          string     `json:"-"`
	AllowMultipleAttempts bool       `json:"allow_multiple_attempts"`
	MaxAttempts           int        `json:"max_attempts"`
	Published             bool       `json:"published"`
	Questions             []Question `json:"questions"`
	CreatedAt             time.Time  `json:"created_at"`
}

// TimeLimit returns the attempt duration.
func (q *Quiz) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitSeconds) * time.Second
}

// RequiresPassword reports whether starting an attempt needs a password.
func (q *Quiz) RequiresPassword() bool {
	return q.PasswordHash != ""
}

// AttemptLimit returns how many attempts one participant may make.
func (q *Quiz) AttemptLimit() int {
	if !q.AllowMultipleAttempts {
		return 1
	}
	if q.MaxAttempts <= 0 {
		return 0 // unlimited
	}
	return q.MaxAttempts
}

// AttemptPaper is returned to a participant when an attempt starts or resumes.
type AttemptPaper struct {
	Attempt   ExamAttempt              `json:"attempt"`
	Title     string                   `json:"title"`
	Questions []QuestionForParticipant `json:"questions"`
}
