package websocket

import (
	"encoding/json"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionNavigate Action = "navigate"
	ActionFlag     Action = "flag"
	ActionSubmit   Action = "submit"
	ActionProctor  Action = "proctor"
	ActionState    Action = "state"
	ActionPing     Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest records a response for one question.
type AnswerRequest struct {
	Action     Action            `json:"action"`
	QuestionID string            `json:"question_id"`
	Value      model.AnswerValue `json:"value"`
}

type NavigateRequest struct {
	Action Action `json:"action"`
	Index  int    `json:"index"`
}

type FlagRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id"`
}

// ProctorRequest reports a locally observed integrity signal.
type ProctorRequest struct {
	Action     Action               `json:"action"`
	Kind       model.ProctoringKind `json:"kind"`
	OccurredAt time.Time            `json:"occurred_at"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState   Event = "state"
	EventProctor Event = "event"
	EventWarning Event = "warning"
	EventResult  Event = "result"
	EventError   Event = "error"
	EventPong    Event = "pong"
)

type StateResponse struct {
	Event Event          `json:"event"`
	State *session.State `json:"state"`
}

type ProctorResponse struct {
	Event Event                  `json:"event"`
	Data  *model.ProctoringEvent `json:"data"`
}

type WarningResponse struct {
	Event   Event            `json:"event"`
	Warning *session.Warning `json:"warning"`
}

type ResultResponse struct {
	Event  Event                   `json:"event"`
	Result *model.SubmissionResult `json:"result"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event      Event     `json:"event"`
	ServerTime time.Time `json:"server_time"`
}

// FromUpdate converts an engine update into its wire frame.
func FromUpdate(u session.Update) (any, bool) {
	switch u.Type {
	case session.UpdateState:
		return StateResponse{Event: EventState, State: u.State}, u.State != nil
	case session.UpdateEvent:
		return ProctorResponse{Event: EventProctor, Data: u.Event}, u.Event != nil
	case session.UpdateWarning:
		return WarningResponse{Event: EventWarning, Warning: u.Warning}, u.Warning != nil
	case session.UpdateResult:
		return ResultResponse{Event: EventResult, Result: u.Result}, u.Result != nil
	}
	return nil, false
}
