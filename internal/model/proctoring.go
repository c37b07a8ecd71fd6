package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProctoringKind enumerates integrity signals.
type ProctoringKind string

const (
	ProctoringKindTabSwitch     ProctoringKind = "TAB_SWITCH"
	ProctoringKindDeviceLost    ProctoringKind = "DEVICE_LOST"
	ProctoringKindServerWarning ProctoringKind = "SERVER_WARNING"
)

// Valid reports whether k is a known kind.
func (k ProctoringKind) Valid() bool {
	switch k {
	case ProctoringKindTabSwitch, ProctoringKindDeviceLost, ProctoringKindServerWarning:
		return true
	}
	return false
}

// ProctoringSource identifies who observed the event.
type ProctoringSource string

const (
	ProctoringSourceLocal  ProctoringSource = "local"  // browser visibility/device observer
	ProctoringSourceServer ProctoringSource = "server" // server-side proctor push
	ProctoringSourceEngine ProctoringSource = "engine" // escalation raised by the session engine
)

// ProctoringEvent is an append-only audit entry. It is never mutated after creation.
type ProctoringEvent struct {
	ID         uuid.UUID        `json:"id"`
	AttemptID  uuid.UUID        `json:"attempt_id"`
	Kind       ProctoringKind   `json:"kind"`
	Source     ProctoringSource `json:"source"`
	OccurredAt time.Time        `json:"occurred_at"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// PushWarningRequest is the payload for an administrator pushing a warning to a participant.
type PushWarningRequest struct {
	Message string `json:"message" binding:"required,min=1,max=500"`
}

// ReportEventRequest is a proctoring signal reported by the participant's client.
type ReportEventRequest struct {
	Kind       ProctoringKind  `json:"kind" binding:"required,proctoring_kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}
