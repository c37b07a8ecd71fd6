package model

import (
	"slices"
	"time"
)

// SyncState tracks whether a response's latest value is durable.
type SyncState string

const (
	SyncStateClean   SyncState = "CLEAN"
	SyncStateDirty   SyncState = "DIRTY"
	SyncStateSyncing SyncState = "SYNCING"
	SyncStateFailed  SyncState = "FAILED"
)

// AnswerValue holds a participant's answer. Selected is used by select
// questions, Text by short-text and essay questions.
type AnswerValue struct {
	Selected []string `json:"selected,omitempty"`
	Text     string   `json:"text,omitempty"`
}

// Clone returns a deep copy so callers cannot alias engine state.
func (v AnswerValue) Clone() AnswerValue {
	return AnswerValue{Selected: slices.Clone(v.Selected), Text: v.Text}
}

// Empty reports whether the value carries no answer at all.
func (v AnswerValue) Empty() bool {
	return len(v.Selected) == 0 && v.Text == ""
}

// Response is the latest answer to one question within one attempt.
type Response struct {
	QuestionID     string      `json:"question_id"`
	Value          AnswerValue `json:"value"`
	LastModifiedAt time.Time   `json:"last_modified_at"`
	SyncState      SyncState   `json:"sync_state"`
}

// SaveAnswerRequest is the payload for recording a response over REST.
type SaveAnswerRequest struct {
	QuestionID string      `json:"question_id" binding:"required,max=128"`
	Value      AnswerValue `json:"value"`
}

// NavigateRequest moves the participant to a question by position.
type NavigateRequest struct {
	Index *int `json:"index" binding:"required,min=0"`
}

// ToggleFlagRequest flips the review flag on a question.
type ToggleFlagRequest struct {
	QuestionID string `json:"question_id" binding:"required,max=128"`
}
