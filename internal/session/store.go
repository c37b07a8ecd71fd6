package session

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// entry is one question's latest response plus its persistence bookkeeping.
type entry struct {
	resp model.Response
	// seq increases with every write; a flush only cleans the entry if no
	// newer write happened meanwhile.
	seq uint64
	// timer is the pending debounce or retry.
	timer clock.Timer
	// failures counts consecutive failed flushes of the current value.
	failures int
	// inFlight is the seq being persisted, or 0.
	inFlight uint64
	// flushQueued is set when a flush fell due while another was in flight.
	flushQueued bool
	// landed is closed once the in-flight write has returned.
	landed chan struct{}
}

// responseStore holds an attempt's answers. It is owned by the engine
// goroutine and never touched from anywhere else.
type responseStore struct {
	entries map[string]*entry
	order   []string
	seq     uint64
}

func newResponseStore() *responseStore {
	return &responseStore{entries: make(map[string]*entry)}
}

// write records value as the latest answer and marks it Dirty.
func (s *responseStore) write(questionID string, value model.AnswerValue, at time.Time) *entry {
	s.seq++
	e, ok := s.entries[questionID]
	if !ok {
		e = &entry{}
		s.entries[questionID] = e
		s.order = append(s.order, questionID)
	}
	e.resp = model.Response{
		QuestionID:     questionID,
		Value:          value.Clone(),
		LastModifiedAt: at,
		SyncState:      model.SyncStateDirty,
	}
	e.seq = s.seq
	e.failures = 0
	return e
}

// restore loads a durable response. Restored entries are Clean.
func (s *responseStore) restore(r model.Response) {
	s.seq++
	if _, ok := s.entries[r.QuestionID]; !ok {
		s.order = append(s.order, r.QuestionID)
	}
	r.Value = r.Value.Clone()
	r.SyncState = model.SyncStateClean
	s.entries[r.QuestionID] = &entry{resp: r, seq: s.seq}
}

func (s *responseStore) get(questionID string) (*entry, bool) {
	e, ok := s.entries[questionID]
	return e, ok
}

// stopTimers cancels every pending debounce and retry.
func (s *responseStore) stopTimers() {
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// pending lists entries whose latest value is not confirmed durable.
func (s *responseStore) pending() []pendingWrite {
	var out []pendingWrite
	for _, id := range s.order {
		e := s.entries[id]
		if e.resp.SyncState != model.SyncStateClean {
			p := pendingWrite{questionID: id, seq: e.seq, value: e.resp.Value.Clone()}
			if e.inFlight != 0 {
				p.after = e.landed
			}
			out = append(out, p)
		}
	}
	return out
}

// markClean sets the entry Clean if seq is still its latest write.
func (s *responseStore) markClean(questionID string, seq uint64) bool {
	e, ok := s.entries[questionID]
	if !ok || e.seq != seq {
		return false
	}
	e.resp.SyncState = model.SyncStateClean
	e.failures = 0
	return true
}

// snapshot copies every response in first-answered order.
func (s *responseStore) snapshot() []model.Response {
	out := make([]model.Response, 0, len(s.order))
	for _, id := range s.order {
		r := s.entries[id].resp
		r.Value = r.Value.Clone()
		out = append(out, r)
	}
	return out
}

// values returns the latest responses keyed by question.
func (s *responseStore) values() map[string]model.Response {
	out := make(map[string]model.Response, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.resp
	}
	return out
}

// pendingWrite is a value captured for the final flush.
type pendingWrite struct {
	questionID string
	seq        uint64
	value      model.AnswerValue
	// after, when set, must close before value is written so an older
	// autosave cannot land on top of it.
	after <-chan struct{}
}
