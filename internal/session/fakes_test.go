package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var errUnavailable = errors.New("gateway unavailable")

type fakeGateway struct {
	mu        sync.Mutex
	saved     map[string]model.AnswerValue
	calls     map[string]int
	failNext  map[string]int
	failAll   map[string]bool
	flagCalls [][]string
	flagFails int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		saved:    make(map[string]model.AnswerValue),
		calls:    make(map[string]int),
		failNext: make(map[string]int),
		failAll:  make(map[string]bool),
	}
}

func (g *fakeGateway) PersistResponse(_ context.Context, _ uuid.UUID, questionID string, value model.AnswerValue) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[questionID]++
	if g.failAll[questionID] {
		return errUnavailable
	}
	if g.failNext[questionID] > 0 {
		g.failNext[questionID]--
		return errUnavailable
	}
	g.saved[questionID] = value.Clone()
	return nil
}

func (g *fakeGateway) PersistFlags(_ context.Context, _ uuid.UUID, flagged []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flagCalls = append(g.flagCalls, slices.Clone(flagged))
	if g.flagFails > 0 {
		g.flagFails--
		return errUnavailable
	}
	return nil
}

func (g *fakeGateway) count(questionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[questionID]
}

func (g *fakeGateway) value(questionID string) (model.AnswerValue, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.saved[questionID]
	return v, ok
}

func (g *fakeGateway) flagHistory() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.flagCalls)
}

func (g *fakeGateway) setFailAll(questionID string, fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAll[questionID] = fail
}

// resumeGateway also serves previously persisted state.
type resumeGateway struct {
	*fakeGateway
	responses map[string]model.Response
	flags     []string
}

func (g *resumeGateway) LoadResponses(context.Context, uuid.UUID) (map[string]model.Response, error) {
	return g.responses, nil
}

func (g *resumeGateway) LoadFlags(context.Context, uuid.UUID) ([]string, error) {
	return g.flags, nil
}

type fakeGrader struct {
	mu          sync.Mutex
	calls       int
	failFirst   int
	failAlways  bool
	final       []model.Response
	unconfirmed []string
}

func (g *fakeGrader) SubmitAttempt(_ context.Context, attemptID uuid.UUID, final []model.Response, unconfirmed []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.failAlways || g.calls <= g.failFirst {
		return "", errors.New("grading service unavailable")
	}
	g.final = slices.Clone(final)
	g.unconfirmed = slices.Clone(unconfirmed)
	return "sub-" + attemptID.String(), nil
}

func (g *fakeGrader) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGrader) setFailAlways(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAlways = fail
}

func (g *fakeGrader) received() ([]model.Response, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.final), slices.Clone(g.unconfirmed)
}

type fakeSink struct {
	mu     sync.Mutex
	events []model.ProctoringEvent
}

func (s *fakeSink) RecordEvent(_ context.Context, ev model.ProctoringEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) recorded() []model.ProctoringEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

type fakeFinalizer struct {
	mu      sync.Mutex
	results []model.SubmissionResult
}

func (f *fakeFinalizer) AttemptFinished(_ context.Context, _ model.ExamAttempt, res model.SubmissionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

func (f *fakeFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

// stalledClock never fires timers, so deadline handling must come from the
// engine's own clock check.
type stalledClock struct {
	mu  sync.Mutex
	now time.Time
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func (c *stalledClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stalledClock) AfterFunc(time.Duration, func()) clock.Timer { return noopTimer{} }

func (c *stalledClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func testQuestions() []model.Question {
	return []model.Question{
		{ID: "q1", Type: model.QuestionTypeSingleSelect, Options: []model.Option{
			{ID: "a", Text: "3"}, {ID: "b", Text: "4", Correct: true},
		}},
		{ID: "q2", Type: model.QuestionTypeMultiSelect, Options: []model.Option{
			{ID: "a", Text: "2", Correct: true}, {ID: "b", Text: "3", Correct: true}, {ID: "c", Text: "4"},
		}},
		{ID: "q3", Type: model.QuestionTypeShortText},
		{ID: "q4", Type: model.QuestionTypeEssay, Points: 5},
	}
}

func testOptions() Options {
	o := DefaultOptions()
	o.SubmitGrace = 200 * time.Millisecond
	o.SubmitBackoff = time.Millisecond
	o.IOTimeout = time.Second
	return o
}

func testAttempt(deadline time.Duration) StartedAttempt {
	return StartedAttempt{
		Attempt: model.ExamAttempt{
			ID:            uuid.New(),
			QuizID:        uuid.New(),
			ParticipantID: "p-1",
			AttemptNumber: 1,
			StartedAt:     t0,
			Deadline:      t0.Add(deadline),
			Status:        model.AttemptStatusInProgress,
		},
		Title:     "Arithmetic",
		Questions: testQuestions(),
	}
}

type harness struct {
	engine    *Engine
	clock     *clock.Fake
	gateway   *fakeGateway
	grader    *fakeGrader
	sink      *fakeSink
	finalizer *fakeFinalizer
}

func newHarness(t *testing.T, deadline time.Duration) *harness {
	t.Helper()
	return newHarnessWith(t, deadline, nil)
}

// newHarnessWith lets a test adjust options before the engine starts.
func newHarnessWith(t *testing.T, deadline time.Duration, tune func(*Options)) *harness {
	t.Helper()
	opts := testOptions()
	if tune != nil {
		tune(&opts)
	}
	h := &harness{
		clock:     clock.NewFake(t0),
		gateway:   newFakeGateway(),
		grader:    &fakeGrader{},
		sink:      &fakeSink{},
		finalizer: &fakeFinalizer{},
	}
	h.engine = NewEngine(testAttempt(deadline), Deps{
		Clock:     h.clock,
		Gateway:   h.gateway,
		Grader:    h.grader,
		Events:    h.sink,
		Finalizer: h.finalizer,
		Log:       zerolog.Nop(),
	}, opts)
	t.Cleanup(h.engine.Close)

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h
}

func (h *harness) dispatch(t *testing.T, in Intent) {
	t.Helper()
	if err := h.engine.Dispatch(context.Background(), in); err != nil {
		t.Fatalf("dispatch %s: %v", in.intentName(), err)
	}
}

func (h *harness) state(t *testing.T) *State {
	t.Helper()
	st, err := h.engine.State(context.Background())
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return st
}

func (h *harness) syncState(t *testing.T, questionID string) model.SyncState {
	t.Helper()
	r, ok := h.state(t).Response(questionID)
	if !ok {
		t.Fatalf("no response for %s", questionID)
	}
	return r.SyncState
}

func selectOpt(ids ...string) model.AnswerValue {
	return model.AnswerValue{Selected: ids}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, e *Engine, want model.AttemptStatus) {
	t.Helper()
	waitFor(t, fmt.Sprintf("status %s", want), func() bool {
		return e.CurrentState().Status == want
	})
}

// keepAdvancing moves the fake clock in small steps until stop is closed so
// retry backoffs scheduled on it elapse.
func keepAdvancing(clk *clock.Fake, step time.Duration, stop <-chan struct{}) {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			clk.Advance(step)
		}
	}
}

// submitAdvancing submits while the clock keeps moving.
func (h *harness) submitAdvancing(t *testing.T) (model.SubmissionResult, error) {
	t.Helper()
	stop := make(chan struct{})
	defer close(stop)
	go keepAdvancing(h.clock, 50*time.Millisecond, stop)
	return h.engine.Submit(context.Background())
}

// advanceUntilStatus moves the clock until the engine reaches want.
func (h *harness) advanceUntilStatus(t *testing.T, want model.AttemptStatus) {
	t.Helper()
	stop := make(chan struct{})
	defer close(stop)
	go keepAdvancing(h.clock, 50*time.Millisecond, stop)
	waitStatus(t, h.engine, want)
}

func newFakeClockAt(t time.Time) *clock.Fake {
	return clock.NewFake(t)
}
