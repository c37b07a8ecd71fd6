package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
)

func TestFromUpdate(t *testing.T) {
	st := &session.State{Status: model.AttemptStatusInProgress}
	frame, ok := FromUpdate(session.Update{Type: session.UpdateState, State: st})
	if !ok {
		t.Fatalf("state update dropped")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var env struct {
		Event Event `json:"event"`
		State struct {
			Status model.AttemptStatus `json:"status"`
		} `json:"state"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event != EventState || env.State.Status != model.AttemptStatusInProgress {
		t.Fatalf("frame = %s", data)
	}

	if _, ok := FromUpdate(session.Update{Type: session.UpdateResult}); ok {
		t.Fatalf("empty result update produced a frame")
	}
	if _, ok := FromUpdate(session.Update{Type: "unknown"}); ok {
		t.Fatalf("unknown update produced a frame")
	}
}
