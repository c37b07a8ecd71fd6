package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Options tunes an engine's timing.
type Options struct {
	// Debounce is the quiet interval after the last write to a question
	// before it is persisted.
	Debounce         time.Duration
	FlushMaxAttempts int
	FlushBackoffBase time.Duration
	FlushBackoffCap  time.Duration
	// SubmitGrace bounds the final flush on submission.
	SubmitGrace       time.Duration
	SubmitMaxAttempts int
	SubmitBackoff     time.Duration
	// IOTimeout bounds each individual gateway or grader call.
	IOTimeout          time.Duration
	TabSwitchThreshold int
	MaxWarnings        int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:           2 * time.Second,
		FlushMaxAttempts:   5,
		FlushBackoffBase:   500 * time.Millisecond,
		FlushBackoffCap:    4 * time.Second,
		SubmitGrace:        5 * time.Second,
		SubmitMaxAttempts:  3,
		SubmitBackoff:      time.Second,
		IOTimeout:          5 * time.Second,
		TabSwitchThreshold: 3,
		MaxWarnings:        50,
	}
}

// OptionsFromConfig overlays configured values on the defaults.
func OptionsFromConfig(cfg config.SessionConfig) Options {
	o := DefaultOptions()
	if cfg.DebounceInterval > 0 {
		o.Debounce = cfg.DebounceInterval
	}
	if cfg.FlushMaxAttempts > 0 {
		o.FlushMaxAttempts = cfg.FlushMaxAttempts
	}
	if cfg.FlushBackoffBase > 0 {
		o.FlushBackoffBase = cfg.FlushBackoffBase
	}
	if cfg.FlushBackoffCap > 0 {
		o.FlushBackoffCap = cfg.FlushBackoffCap
	}
	if cfg.SubmitGrace > 0 {
		o.SubmitGrace = cfg.SubmitGrace
	}
	if cfg.SubmitMaxAttempts > 0 {
		o.SubmitMaxAttempts = cfg.SubmitMaxAttempts
	}
	o.TabSwitchThreshold = cfg.TabSwitchThreshold
	return o
}

// backoff returns the delay before retry n (1-based).
func (o Options) backoff(n int) time.Duration {
	d := o.FlushBackoffBase
	for i := 1; i < n && d < o.FlushBackoffCap; i++ {
		d *= 2
	}
	if d > o.FlushBackoffCap {
		d = o.FlushBackoffCap
	}
	return d
}

// Intent is a participant action forwarded by the client façade.
type Intent interface {
	intentName() string
}

type AnswerIntent struct {
	QuestionID string
	Value      model.AnswerValue
}

type NavigateIntent struct {
	Index int
}

type ToggleFlagIntent struct {
	QuestionID string
}

// SubmitIntent starts submission without waiting for the result. Use
// Engine.Submit to wait.
type SubmitIntent struct{}

func (AnswerIntent) intentName() string     { return "answer" }
func (NavigateIntent) intentName() string   { return "navigate" }
func (ToggleFlagIntent) intentName() string { return "toggle_flag" }
func (SubmitIntent) intentName() string     { return "submit" }

// WarningKind classifies participant-visible warnings.
type WarningKind string

const (
	WarningSyncFailed          WarningKind = "sync_failed"
	WarningSubmitFailed        WarningKind = "submit_failed"
	WarningIntegrityEscalation WarningKind = "integrity_escalation"
	WarningServer              WarningKind = "server_warning"
)

// Warning is a condition the participant should see. Warnings never end the
// attempt.
type Warning struct {
	Kind       WarningKind `json:"kind"`
	QuestionID string      `json:"question_id,omitempty"`
	Message    string      `json:"message"`
	At         time.Time   `json:"at"`
}

// State is an immutable snapshot of an attempt.
type State struct {
	AttemptID            uuid.UUID               `json:"attempt_id"`
	QuizID               uuid.UUID               `json:"quiz_id"`
	ParticipantID        string                  `json:"participant_id"`
	AttemptNumber        int                     `json:"attempt_number"`
	Status               model.AttemptStatus     `json:"status"`
	StartedAt            time.Time               `json:"started_at"`
	Deadline             time.Time               `json:"deadline"`
	ServerTime           time.Time               `json:"server_time"`
	TimeRemaining        time.Duration           `json:"-"`
	TimeRemainingMs      int64                   `json:"time_remaining_ms"`
	CurrentQuestionIndex int                     `json:"current_question_index"`
	QuestionCount        int                     `json:"question_count"`
	Responses            []model.Response        `json:"responses"`
	Flags                []string                `json:"flags"`
	Warnings             []Warning               `json:"warnings"`
	Unconfirmed          []string                `json:"unconfirmed"`
	EventCount           int                     `json:"event_count"`
	SubmitFailed         bool                    `json:"submit_failed"`
	FinishedAt           *time.Time              `json:"finished_at,omitempty"`
	Result               *model.SubmissionResult `json:"result,omitempty"`
}

// Response returns the snapshot's response for questionID.
func (s *State) Response(questionID string) (model.Response, bool) {
	for _, r := range s.Responses {
		if r.QuestionID == questionID {
			return r, true
		}
	}
	return model.Response{}, false
}

// Flagged reports whether questionID is flagged in the snapshot.
func (s *State) Flagged(questionID string) bool {
	for _, id := range s.Flags {
		if id == questionID {
			return true
		}
	}
	return false
}

func (s *State) withTime(now time.Time) *State {
	out := *s
	out.ServerTime = now
	out.TimeRemaining = 0
	if out.Status == model.AttemptStatusInProgress && now.Before(out.Deadline) {
		out.TimeRemaining = out.Deadline.Sub(now)
	}
	out.TimeRemainingMs = out.TimeRemaining.Milliseconds()
	return &out
}

// UpdateType tags an Update.
type UpdateType string

const (
	UpdateState   UpdateType = "state"
	UpdateEvent   UpdateType = "event"
	UpdateWarning UpdateType = "warning"
	UpdateResult  UpdateType = "result"
)

// Update is pushed to engine subscribers.
type Update struct {
	Type    UpdateType              `json:"type"`
	State   *State                  `json:"state,omitempty"`
	Event   *model.ProctoringEvent  `json:"event,omitempty"`
	Warning *Warning                `json:"warning,omitempty"`
	Result  *model.SubmissionResult `json:"result,omitempty"`
}
