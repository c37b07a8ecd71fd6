// Package session runs live exam attempts.
//
// Each attempt is driven by an Engine: a single goroutine that owns the
// attempt's status, countdown, responses, flags and proctoring log. Callers
// post intents to it and read immutable snapshots; they never lock.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctoring"
	"github.com/stemsi/exstem-proctor/internal/scoring"
)

const (
	mailboxSize      = 64
	subscriberBuffer = 32
	finalFlushLimit  = 8
)

// Deps are an engine's collaborators. Clock, Gateway and Grader are
// required; the rest may be nil.
type Deps struct {
	Clock     clock.Clock
	Gateway   Gateway
	Grader    Grader
	Events    EventSink
	Push      PushSource
	Finalizer Finalizer
	Observer  Observer
	Log       zerolog.Logger
}

type submitReply struct {
	result model.SubmissionResult
	err    error
}

// finalizeOutcome is what the submission goroutine reports back.
type finalizeOutcome struct {
	confirmed    []pendingWrite
	unconfirmed  []string
	flagSeq      uint64
	flagsSaved   bool
	submissionID string
	err          error
}

// Engine is the serialization point for one attempt.
type Engine struct {
	id        uuid.UUID
	attempt   model.ExamAttempt
	title     string
	questions []model.Question
	index     map[string]int

	opts      Options
	clock     clock.Clock
	gateway   Gateway
	grader    Grader
	events    EventSink
	push      PushSource
	finalizer Finalizer
	obs       Observer
	log       zerolog.Logger

	mailbox   chan func()
	proctor   *proctoring.Channel
	outbox    *proctoring.Channel
	escalator *proctoring.Escalator
	store     *responseStore

	flags        map[string]struct{}
	flagSeq      uint64
	flagSynced   uint64
	flagTimer    clock.Timer
	flagFailures int
	flagInFlight uint64
	flagQueued   bool

	deadlineTimer clock.Timer
	deadlineSeen  bool

	submitCause    model.SubmitCause
	finalizeCause  model.SubmitCause
	finalizing     bool
	finalizeCancel context.CancelFunc
	submitFailed   bool
	waiters        []chan submitReply
	unconfirmed    []string
	result         *model.SubmissionResult
	// abortWaiters are admin aborts held until the grader call returns.
	abortReason  string
	abortWaiters []chan submitReply

	eventLog []model.ProctoringEvent
	warnings []Warning
	stopPush func()
	// replies run after the snapshot for the current command is published.
	replies []func()

	snapshot atomic.Pointer[State]
	subsMu   sync.Mutex
	subs     map[chan Update]struct{}

	terminated chan struct{}
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
	bgCtx      context.Context
	bgCancel   context.CancelFunc
	wg         sync.WaitGroup
}

// NewEngine builds an engine for a started attempt and launches its
// goroutine. The attempt stays NOT_STARTED until Start is called.
func NewEngine(started StartedAttempt, deps Deps, opts Options) *Engine {
	a := started.Attempt
	a.Status = model.AttemptStatusNotStarted
	a.FinishedAt = nil

	questions := slices.Clone(started.Questions)
	index := make(map[string]int, len(questions))
	for i, q := range questions {
		index[q.ID] = i
	}

	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	e := &Engine{
		id:         a.ID,
		attempt:    a,
		title:      started.Title,
		questions:  questions,
		index:      index,
		opts:       opts,
		clock:      deps.Clock,
		gateway:    deps.Gateway,
		grader:     deps.Grader,
		events:     deps.Events,
		push:       deps.Push,
		finalizer:  deps.Finalizer,
		obs:        obs,
		mailbox:    make(chan func(), mailboxSize),
		proctor:    proctoring.NewChannel(),
		outbox:     proctoring.NewChannel(),
		escalator:  proctoring.NewEscalator(opts.TabSwitchThreshold),
		store:      newResponseStore(),
		flags:      make(map[string]struct{}),
		subs:       make(map[chan Update]struct{}),
		terminated: make(chan struct{}),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
		log:        logger.Attempt(deps.Log, "attempt_engine", a.ID, a.QuizID, a.ParticipantID),
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}

	e.snapshot.Store(e.buildState())
	e.wg.Add(1)
	go e.drainOutbox()
	go e.run()
	return e
}

// ID returns the attempt ID.
func (e *Engine) ID() uuid.UUID { return e.id }

// QuizID returns the quiz the attempt belongs to.
func (e *Engine) QuizID() uuid.UUID { return e.attempt.QuizID }

// ParticipantID returns the attempt's participant.
func (e *Engine) ParticipantID() string { return e.attempt.ParticipantID }

// Paper returns the attempt and its questions without answer keys.
func (e *Engine) Paper() model.AttemptPaper {
	st := e.CurrentState()
	qs := make([]model.QuestionForParticipant, len(e.questions))
	for i, q := range e.questions {
		qs[i] = q.ForParticipant()
	}
	return model.AttemptPaper{
		Attempt: model.ExamAttempt{
			ID:                   e.id,
			QuizID:               st.QuizID,
			ParticipantID:        st.ParticipantID,
			AttemptNumber:        st.AttemptNumber,
			StartedAt:            st.StartedAt,
			Deadline:             st.Deadline,
			Status:               st.Status,
			CurrentQuestionIndex: st.CurrentQuestionIndex,
			FinishedAt:           st.FinishedAt,
		},
		Title:     e.title,
		Questions: qs,
	}
}

// Start moves the attempt to IN_PROGRESS and arms the countdown. Responses
// and flags already persisted for the attempt are restored first.
func (e *Engine) Start(ctx context.Context) error {
	restored, flags := e.loadResume(ctx)

	var stopPush func()
	if e.push != nil {
		stop, err := e.push.Subscribe(ctx, e.id, e.proctor)
		if err != nil {
			e.log.Warn().Err(err).Msg("Proctoring push channel unavailable, continuing with local events only")
		} else {
			stopPush = stop
		}
	}

	err := e.call(ctx, func() error { return e.start(restored, flags, stopPush) })
	if err != nil && stopPush != nil && !errors.Is(err, ErrInvalidIntent) {
		stopPush()
	}
	return err
}

func (e *Engine) loadResume(ctx context.Context) (map[string]model.Response, []string) {
	src, ok := e.gateway.(ResumeSource)
	if !ok {
		return nil, nil
	}
	responses, err := src.LoadResponses(ctx, e.id)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to load autosaved responses")
		responses = nil
	}
	flags, err := src.LoadFlags(ctx, e.id)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to load autosaved flags")
		flags = nil
	}
	return responses, flags
}

func (e *Engine) start(restored map[string]model.Response, flags []string, stopPush func()) error {
	if e.attempt.Status != model.AttemptStatusNotStarted {
		if stopPush != nil {
			stopPush()
		}
		return ErrAttemptClosed
	}
	e.stopPush = stopPush

	for _, id := range e.questionOrder(restored) {
		r := restored[id]
		r.QuestionID = id
		e.store.restore(r)
	}
	for _, id := range flags {
		if _, ok := e.index[id]; ok {
			e.flags[id] = struct{}{}
		}
	}

	e.transition(model.AttemptStatusInProgress)
	e.obs.AttemptStarted()

	now := e.clock.Now()
	remaining := e.attempt.Deadline.Sub(now)
	e.log.Info().
		Int("restored_responses", len(restored)).
		Dur("remaining", remaining).
		Msg("Attempt started")

	if remaining <= 0 {
		e.onDeadline()
		return nil
	}
	e.deadlineTimer = e.clock.AfterFunc(remaining, func() { e.postInternal(e.onDeadline) })
	return nil
}

// questionOrder returns the keys of m that are known questions, in paper order.
func (e *Engine) questionOrder(m map[string]model.Response) []string {
	ids := make([]string, 0, len(m))
	for _, q := range e.questions {
		if _, ok := m[q.ID]; ok {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

// ─── Public entry points ────────────────────────────────────────────────

// Dispatch applies a participant intent and returns once the engine has
// processed it. Rejected intents return an error wrapping ErrInvalidIntent
// and leave the attempt untouched.
func (e *Engine) Dispatch(ctx context.Context, in Intent) error {
	err := e.call(ctx, func() error {
		switch v := in.(type) {
		case AnswerIntent:
			return e.answer(v)
		case NavigateIntent:
			return e.navigate(v.Index)
		case ToggleFlagIntent:
			return e.toggleFlag(v.QuestionID)
		case SubmitIntent:
			return e.requestSubmit(model.SubmitCauseParticipant, nil)
		}
		return ErrInvalidIntent
	})
	if errors.Is(err, ErrInvalidIntent) {
		e.log.Debug().Err(err).Str("intent", intentName(in)).Msg("Intent rejected")
	}
	return err
}

func intentName(in Intent) string {
	if in == nil {
		return "nil"
	}
	return in.intentName()
}

// Submit submits the attempt and waits for the outcome. Every call for one
// attempt returns the same result; the grader is called at most once per
// successful submission.
func (e *Engine) Submit(ctx context.Context) (model.SubmissionResult, error) {
	reply := make(chan submitReply, 1)
	if err := e.call(ctx, func() error { return e.requestSubmit(model.SubmitCauseParticipant, reply) }); err != nil {
		return model.SubmissionResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return model.SubmissionResult{}, ctx.Err()
	case <-e.stopped:
		return model.SubmissionResult{}, ErrEngineStopped
	}
}

// Abort ends the attempt on administrative request. An attempt that is
// already terminal is returned with ErrAttemptClosed, unless it was aborted.
func (e *Engine) Abort(ctx context.Context, reason string) (model.SubmissionResult, error) {
	reply := make(chan submitReply, 1)
	if err := e.call(ctx, func() error { return e.requestAbort(reason, reply) }); err != nil {
		return model.SubmissionResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return model.SubmissionResult{}, ctx.Err()
	case <-e.stopped:
		return model.SubmissionResult{}, ErrEngineStopped
	}
}

// ReportEvent queues a proctoring event observed by the participant's client.
func (e *Engine) ReportEvent(kind model.ProctoringKind, occurredAt time.Time, payload json.RawMessage) error {
	if !kind.Valid() || kind == model.ProctoringKindServerWarning {
		return ErrUnknownEventKind
	}
	if occurredAt.IsZero() {
		occurredAt = e.clock.Now()
	}
	ev := model.ProctoringEvent{
		ID:         uuid.New(),
		AttemptID:  e.id,
		Kind:       kind,
		Source:     model.ProctoringSourceLocal,
		OccurredAt: occurredAt,
		Payload:    payload,
	}
	if !e.proctor.Push(ev) {
		e.log.Debug().Str("kind", string(kind)).Msg("Proctoring event after attempt closed, ignored")
		return ErrAttemptClosed
	}
	return nil
}

// CurrentState returns the latest published snapshot with the remaining time
// computed against the engine clock. It never blocks on the engine.
func (e *Engine) CurrentState() *State {
	return e.snapshot.Load().withTime(e.clock.Now())
}

// State returns a snapshot taken inside the engine after every previously
// posted command has been applied.
func (e *Engine) State(ctx context.Context) (*State, error) {
	var st *State
	err := e.call(ctx, func() error {
		st = e.buildState()
		return nil
	})
	return st, err
}

// Events returns a copy of the proctoring log in arrival order.
func (e *Engine) Events(ctx context.Context) ([]model.ProctoringEvent, error) {
	var out []model.ProctoringEvent
	err := e.call(ctx, func() error {
		out = slices.Clone(e.eventLog)
		return nil
	})
	return out, err
}

// Terminated is closed when the attempt reaches a terminal status.
func (e *Engine) Terminated() <-chan struct{} { return e.terminated }

// Subscribe returns a channel of updates starting with the current state.
// Slow subscribers lose their oldest pending updates. cancel must be called.
func (e *Engine) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)

	e.subsMu.Lock()
	if e.subs == nil {
		e.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.subs[ch] = struct{}{}
	ch <- Update{Type: UpdateState, State: e.CurrentState()}
	e.subsMu.Unlock()

	cancel := func() {
		e.subsMu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.subsMu.Unlock()
	}
	return ch, cancel
}

// Close stops the engine and waits for its goroutines. Pending autosaves
// that have not completed are abandoned; durable state is untouched.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
	<-e.stopped
	e.bgCancel()
	e.wg.Wait()

	e.subsMu.Lock()
	for ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.subsMu.Unlock()
}

// ─── Mailbox ────────────────────────────────────────────────────────────

func (e *Engine) run() {
	defer close(e.stopped)
	for {
		select {
		case <-e.done:
			e.shutdown()
			return
		case fn := <-e.mailbox:
			e.checkDeadline()
			fn()
		case <-e.proctor.Ready():
			e.checkDeadline()
			e.ingestEvents()
		}
		e.publish()
		for _, r := range e.replies {
			r()
		}
		e.replies = nil
	}
}

// call runs fn on the engine goroutine and returns its error.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	apply := func() {
		err := fn()
		e.replies = append(e.replies, func() { reply <- err })
	}
	select {
	case e.mailbox <- apply:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-e.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return ErrEngineStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) replyTo(w chan submitReply, r submitReply) {
	e.replies = append(e.replies, func() { w <- r })
}

// postInternal queues fn from a timer or I/O goroutine.
func (e *Engine) postInternal(fn func()) {
	select {
	case e.mailbox <- fn:
	case <-e.done:
	}
}

func (e *Engine) shutdown() {
	e.stopTimers()
	e.proctor.Close()
	if e.stopPush != nil {
		e.stopPush()
		e.stopPush = nil
	}
}

func (e *Engine) stopTimers() {
	if e.deadlineTimer != nil {
		e.deadlineTimer.Stop()
		e.deadlineTimer = nil
	}
	if e.flagTimer != nil {
		e.flagTimer.Stop()
		e.flagTimer = nil
	}
	e.store.stopTimers()
}

// ─── Lifecycle ──────────────────────────────────────────────────────────

func (e *Engine) transition(next model.AttemptStatus) bool {
	if !e.attempt.Status.CanTransitionTo(next) {
		e.log.Error().
			Str("from", string(e.attempt.Status)).
			Str("to", string(next)).
			Msg("Rejected status regression")
		return false
	}
	e.attempt.Status = next
	return true
}

func (e *Engine) requireActive() error {
	switch e.attempt.Status {
	case model.AttemptStatusNotStarted:
		return ErrAttemptNotStarted
	case model.AttemptStatusInProgress:
		return nil
	}
	return ErrAttemptClosed
}

// checkDeadline applies the timer transition before any other command once
// the deadline has passed, even if the timer callback is still queued.
func (e *Engine) checkDeadline() {
	if e.deadlineSeen {
		return
	}
	switch e.attempt.Status {
	case model.AttemptStatusInProgress, model.AttemptStatusSubmitting:
		if !e.clock.Now().Before(e.attempt.Deadline) {
			e.onDeadline()
		}
	}
}

func (e *Engine) onDeadline() {
	if e.deadlineSeen {
		return
	}
	switch e.attempt.Status {
	case model.AttemptStatusInProgress:
		e.deadlineSeen = true
		e.log.Info().Msg("Deadline reached, submitting")
		e.beginSubmit(model.SubmitCauseTimer)
	case model.AttemptStatusSubmitting:
		e.deadlineSeen = true
		e.finalizeCause = model.SubmitCauseTimer
		if !e.finalizing {
			e.log.Info().Msg("Deadline reached with failed submission, retrying")
			e.launchFinalize()
		}
	}
}

func (e *Engine) requestSubmit(cause model.SubmitCause, reply chan submitReply) error {
	if e.result != nil {
		if reply != nil {
			e.replyTo(reply, submitReply{result: *e.result})
		}
		return nil
	}
	switch e.attempt.Status {
	case model.AttemptStatusNotStarted:
		return ErrAttemptNotStarted
	case model.AttemptStatusInProgress:
		if reply != nil {
			e.waiters = append(e.waiters, reply)
		}
		e.beginSubmit(cause)
	case model.AttemptStatusSubmitting:
		if reply != nil {
			e.waiters = append(e.waiters, reply)
		}
		if !e.finalizing {
			e.launchFinalize()
		}
	}
	return nil
}

func (e *Engine) beginSubmit(cause model.SubmitCause) {
	if !e.transition(model.AttemptStatusSubmitting) {
		return
	}
	e.submitCause = cause
	e.finalizeCause = cause
	e.store.stopTimers()
	if e.flagTimer != nil {
		e.flagTimer.Stop()
		e.flagTimer = nil
	}
	e.log.Info().Str("cause", string(cause)).Msg("Submitting attempt")
	e.launchFinalize()
}

// launchFinalize captures the responses and runs the final flush and grading
// call off the engine goroutine.
func (e *Engine) launchFinalize() {
	e.finalizing = true
	e.submitFailed = false

	pending := e.store.pending()
	final := e.store.snapshot()
	flags := e.flagList()
	flagSeq := e.flagSeq
	flagsDirty := e.flagSeq != e.flagSynced

	ctx, cancel := context.WithCancel(e.bgCtx)
	e.finalizeCancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		out := e.finalize(ctx, pending, final, flags, flagSeq, flagsDirty)
		cancel()
		e.postInternal(func() { e.finishFinalize(out) })
	}()
}

func (e *Engine) finalize(ctx context.Context, pending []pendingWrite, final []model.Response, flags []string, flagSeq uint64, flagsDirty bool) finalizeOutcome {
	out := finalizeOutcome{flagSeq: flagSeq}

	graceCtx, cancel := context.WithTimeout(ctx, e.opts.SubmitGrace)
	out.confirmed, out.unconfirmed = e.flushAll(graceCtx, pending)
	if flagsDirty {
		if err := e.gateway.PersistFlags(graceCtx, e.id, flags); err != nil {
			e.log.Warn().Err(err).Msg("Final flag save failed")
		} else {
			out.flagsSaved = true
		}
	}
	cancel()

	// Responses sent to the grader carry the sync state they will have once
	// the final flush is applied.
	unconfirmed := make(map[string]struct{}, len(out.unconfirmed))
	for _, id := range out.unconfirmed {
		unconfirmed[id] = struct{}{}
	}
	for i := range final {
		if _, bad := unconfirmed[final[i].QuestionID]; bad {
			final[i].SyncState = model.SyncStateFailed
		} else {
			final[i].SyncState = model.SyncStateClean
		}
	}

	if err := ctx.Err(); err != nil {
		out.err = &TerminalSubmissionFailure{AttemptID: e.id, Err: err}
		return out
	}
	out.submissionID, out.err = e.submitWithRetry(ctx, final, out.unconfirmed)
	return out
}

// flushAll persists every pending write within ctx and reports which could
// not be confirmed.
func (e *Engine) flushAll(ctx context.Context, pending []pendingWrite) ([]pendingWrite, []string) {
	ok := make([]bool, len(pending))
	var g errgroup.Group
	g.SetLimit(finalFlushLimit)
	for i, p := range pending {
		g.Go(func() error {
			ok[i] = e.persistWithRetry(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	confirmed := make([]pendingWrite, 0, len(pending))
	unconfirmed := make([]string, 0)
	for i, p := range pending {
		if ok[i] {
			confirmed = append(confirmed, p)
		} else {
			unconfirmed = append(unconfirmed, p.questionID)
		}
	}
	return confirmed, unconfirmed
}

func (e *Engine) persistWithRetry(ctx context.Context, p pendingWrite) bool {
	if p.after != nil {
		select {
		case <-p.after:
		case <-ctx.Done():
			return false
		}
	}
	for n := 1; n <= e.opts.FlushMaxAttempts; n++ {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.IOTimeout)
		err := e.gateway.PersistResponse(callCtx, e.id, p.questionID, p.value)
		cancel()
		if err == nil {
			return true
		}
		e.log.Warn().
			Err(&TransientPersistenceFailure{QuestionID: p.questionID, Attempt: n, Err: err}).
			Msg("Final flush failed")
		if n == e.opts.FlushMaxAttempts || !e.sleep(ctx, e.opts.backoff(n)) {
			return false
		}
	}
	return false
}

func (e *Engine) submitWithRetry(ctx context.Context, final []model.Response, unconfirmed []string) (string, error) {
	var lastErr error
	tries := 0
	for n := 1; n <= e.opts.SubmitMaxAttempts; n++ {
		tries = n
		callCtx, cancel := context.WithTimeout(ctx, e.opts.IOTimeout)
		id, err := e.grader.SubmitAttempt(callCtx, e.id, final, unconfirmed)
		cancel()
		if err == nil {
			return id, nil
		}
		lastErr = err
		e.log.Warn().Err(err).Int("try", n).Msg("Grader rejected submission")
		if n == e.opts.SubmitMaxAttempts || !e.sleep(ctx, e.opts.SubmitBackoff*time.Duration(n)) {
			break
		}
	}
	return "", &TerminalSubmissionFailure{AttemptID: e.id, Attempts: tries, Err: lastErr}
}

func (e *Engine) finishFinalize(out finalizeOutcome) {
	e.finalizing = false
	e.finalizeCancel = nil
	for _, p := range out.confirmed {
		e.store.markClean(p.questionID, p.seq)
	}
	for _, id := range out.unconfirmed {
		if ent, ok := e.store.get(id); ok {
			ent.resp.SyncState = model.SyncStateFailed
		}
	}
	if out.flagsSaved && out.flagSeq > e.flagSynced {
		e.flagSynced = out.flagSeq
	}
	e.unconfirmed = out.unconfirmed

	if e.attempt.Status != model.AttemptStatusSubmitting {
		e.log.Info().Str("status", string(e.attempt.Status)).Msg("Submission finished after attempt closed, ignored")
		return
	}

	if len(e.abortWaiters) > 0 {
		e.settleAbort(out)
		return
	}

	if out.err == nil {
		e.complete(model.AttemptStatusSubmitted, out.submissionID)
		return
	}
	if e.finalizeCause == model.SubmitCauseTimer {
		e.log.Error().Err(out.err).Msg("Submission unacknowledged at deadline, attempt expired")
		e.complete(model.AttemptStatusExpired, "")
		return
	}

	e.log.Error().Err(out.err).Msg("Submission failed, waiting for participant to retry")
	e.submitFailed = true
	e.addWarning(Warning{
		Kind:    WarningSubmitFailed,
		Message: "Your submission could not be confirmed. Please submit again.",
	})
	for _, w := range e.waiters {
		e.replyTo(w, submitReply{err: out.err})
	}
	e.waiters = nil
}

func (e *Engine) complete(status model.AttemptStatus, submissionID string) {
	res := model.SubmissionResult{
		AttemptID:    e.id,
		SubmissionID: submissionID,
		Status:       status,
		Cause:        e.submitCause,
		Unconfirmed:  slices.Clone(e.unconfirmed),
		Preview:      scoring.Evaluate(e.store.values(), e.questions),
		SubmittedAt:  e.clock.Now(),
	}
	if res.Unconfirmed == nil {
		res.Unconfirmed = []string{}
	}
	e.result = &res
	e.enterTerminal(status)
}

// requestAbort ends the attempt as ABORTED. While a submission is with the
// grader the abort cancels it and waits, so an attempt the grader accepted
// always ends SUBMITTED.
func (e *Engine) requestAbort(reason string, reply chan submitReply) error {
	if e.result != nil {
		r := submitReply{result: *e.result}
		if e.result.Status != model.AttemptStatusAborted {
			r.err = ErrAttemptClosed
		}
		e.replyTo(reply, r)
		return nil
	}
	if e.finalizing {
		if len(e.abortWaiters) == 0 {
			e.abortReason = reason
			e.log.Warn().Str("reason", reason).Msg("Abort requested during submission, cancelling")
		}
		e.abortWaiters = append(e.abortWaiters, reply)
		if e.finalizeCancel != nil {
			e.finalizeCancel()
		}
		return nil
	}
	e.abortNow(reason)
	e.replyTo(reply, submitReply{result: *e.result})
	return nil
}

// settleAbort resolves an abort that arrived while the grader was called.
func (e *Engine) settleAbort(out finalizeOutcome) {
	waiters := e.abortWaiters
	e.abortWaiters = nil

	r := submitReply{}
	if out.err == nil {
		e.log.Info().Msg("Grader accepted submission before abort took effect")
		e.complete(model.AttemptStatusSubmitted, out.submissionID)
		r.err = ErrAttemptClosed
	} else {
		e.abortNow(e.abortReason)
	}
	r.result = *e.result
	for _, w := range waiters {
		e.replyTo(w, r)
	}
}

func (e *Engine) abortNow(reason string) {
	pending := e.store.pending()
	unconfirmed := make([]string, 0, len(pending))
	for _, p := range pending {
		unconfirmed = append(unconfirmed, p.questionID)
	}
	e.unconfirmed = unconfirmed
	e.submitCause = model.SubmitCauseAdmin
	e.log.Warn().Str("reason", reason).Msg("Attempt aborted by administrator")
	e.complete(model.AttemptStatusAborted, "")
}

func (e *Engine) enterTerminal(status model.AttemptStatus) {
	if !e.transition(status) {
		return
	}
	now := e.clock.Now()
	e.attempt.FinishedAt = &now
	e.finalizing = false
	e.submitFailed = false
	e.stopTimers()
	e.proctor.Close()
	if e.stopPush != nil {
		stop := e.stopPush
		e.stopPush = nil
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			stop()
		}()
	}

	res := *e.result
	for _, w := range e.waiters {
		e.replyTo(w, submitReply{result: res})
	}
	e.waiters = nil
	close(e.terminated)

	e.obs.AttemptFinished(status, res.Cause, len(res.Unconfirmed))
	e.broadcast(Update{Type: UpdateResult, Result: &res})
	e.log.Info().
		Str("status", string(status)).
		Str("cause", string(res.Cause)).
		Str("submission_id", res.SubmissionID).
		Strs("unconfirmed", res.Unconfirmed).
		Msg("Attempt finished")

	if e.finalizer != nil {
		attempt := e.attempt
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.IOTimeout)
			defer cancel()
			if err := e.finalizer.AttemptFinished(ctx, attempt, res); err != nil {
				e.log.Error().Err(err).Msg("Failed to record attempt outcome")
			}
		}()
	}
}

// ─── Intents ────────────────────────────────────────────────────────────

func (e *Engine) answer(in AnswerIntent) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	i, ok := e.index[in.QuestionID]
	if !ok {
		return ErrUnknownQuestion
	}
	value, err := normalizeAnswer(e.questions[i], in.Value)
	if err != nil {
		return err
	}
	ent := e.store.write(in.QuestionID, value, e.clock.Now())
	e.armFlush(in.QuestionID, ent, e.opts.Debounce)
	return nil
}

func (e *Engine) navigate(index int) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	if index < 0 || index >= len(e.questions) {
		e.log.Debug().Int("index", index).Msg("Navigate out of range ignored")
		return nil
	}
	e.attempt.CurrentQuestionIndex = index
	return nil
}

func (e *Engine) toggleFlag(questionID string) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	if _, ok := e.index[questionID]; !ok {
		return ErrUnknownQuestion
	}
	if _, flagged := e.flags[questionID]; flagged {
		delete(e.flags, questionID)
	} else {
		e.flags[questionID] = struct{}{}
	}
	e.flagSeq++
	e.flagFailures = 0
	e.armFlagFlush(e.opts.Debounce)
	return nil
}

// ─── Autosave ───────────────────────────────────────────────────────────

func (e *Engine) armFlush(questionID string, ent *entry, d time.Duration) {
	if ent.timer != nil {
		ent.timer.Stop()
	}
	seq := ent.seq
	ent.timer = e.clock.AfterFunc(d, func() {
		e.postInternal(func() { e.flushDue(questionID, seq) })
	})
}

func (e *Engine) flushDue(questionID string, seq uint64) {
	ent, ok := e.store.get(questionID)
	if !ok || ent.seq != seq || e.attempt.Status != model.AttemptStatusInProgress {
		return
	}
	ent.timer = nil
	if ent.inFlight != 0 {
		ent.flushQueued = true
		return
	}
	e.launchFlush(questionID, ent)
}

func (e *Engine) launchFlush(questionID string, ent *entry) {
	seq := ent.seq
	value := ent.resp.Value.Clone()
	landed := make(chan struct{})
	ent.inFlight = seq
	ent.landed = landed
	ent.flushQueued = false
	ent.resp.SyncState = model.SyncStateSyncing

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(landed)
		started := time.Now()
		ctx, cancel := context.WithTimeout(e.bgCtx, e.opts.IOTimeout)
		err := e.gateway.PersistResponse(ctx, e.id, questionID, value)
		cancel()
		elapsed := time.Since(started)
		e.postInternal(func() { e.flushDone(questionID, seq, err, elapsed) })
	}()
}

func (e *Engine) flushDone(questionID string, seq uint64, err error, elapsed time.Duration) {
	e.obs.FlushFinished(err == nil, elapsed)
	ent, ok := e.store.get(questionID)
	if !ok {
		return
	}
	ent.inFlight = 0
	ent.landed = nil

	if ent.seq != seq {
		if ent.flushQueued && e.attempt.Status == model.AttemptStatusInProgress {
			e.launchFlush(questionID, ent)
		}
		return
	}
	if err == nil {
		e.store.markClean(questionID, seq)
		return
	}
	ent.resp.SyncState = model.SyncStateFailed
	if e.attempt.Status != model.AttemptStatusInProgress {
		return
	}

	ent.failures++
	fail := &TransientPersistenceFailure{QuestionID: questionID, Attempt: ent.failures, Err: err}
	if ent.failures < e.opts.FlushMaxAttempts {
		e.log.Warn().Err(fail).Msg("Autosave failed, retrying")
		e.armFlush(questionID, ent, e.opts.backoff(ent.failures))
		return
	}
	e.log.Error().Err(fail).Msg("Autosave retries exhausted")
	e.addWarning(Warning{
		Kind:       WarningSyncFailed,
		QuestionID: questionID,
		Message:    "Your answer could not be saved. It will be saved again when you submit.",
	})
}

func (e *Engine) armFlagFlush(d time.Duration) {
	if e.flagTimer != nil {
		e.flagTimer.Stop()
	}
	seq := e.flagSeq
	e.flagTimer = e.clock.AfterFunc(d, func() {
		e.postInternal(func() { e.flagFlushDue(seq) })
	})
}

func (e *Engine) flagFlushDue(seq uint64) {
	if seq != e.flagSeq || e.attempt.Status != model.AttemptStatusInProgress {
		return
	}
	e.flagTimer = nil
	if e.flagInFlight != 0 {
		e.flagQueued = true
		return
	}
	e.launchFlagFlush()
}

func (e *Engine) launchFlagFlush() {
	seq := e.flagSeq
	flags := e.flagList()
	e.flagInFlight = seq
	e.flagQueued = false

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.bgCtx, e.opts.IOTimeout)
		err := e.gateway.PersistFlags(ctx, e.id, flags)
		cancel()
		e.postInternal(func() { e.flagFlushDone(seq, err) })
	}()
}

func (e *Engine) flagFlushDone(seq uint64, err error) {
	e.flagInFlight = 0
	if err == nil && seq > e.flagSynced {
		e.flagSynced = seq
	}
	if e.attempt.Status != model.AttemptStatusInProgress {
		return
	}
	if seq != e.flagSeq {
		if e.flagQueued {
			e.launchFlagFlush()
		}
		return
	}
	if err == nil {
		e.flagFailures = 0
		return
	}

	e.flagFailures++
	fail := &TransientPersistenceFailure{Attempt: e.flagFailures, Err: err}
	if e.flagFailures < e.opts.FlushMaxAttempts {
		e.log.Warn().Err(fail).Msg("Flag save failed, retrying")
		e.armFlagFlush(e.opts.backoff(e.flagFailures))
		return
	}
	e.log.Error().Err(fail).Msg("Flag save retries exhausted")
	e.addWarning(Warning{Kind: WarningSyncFailed, Message: "Review flags could not be saved."})
}

// flagList returns flagged question IDs in paper order.
func (e *Engine) flagList() []string {
	out := make([]string, 0, len(e.flags))
	for _, q := range e.questions {
		if _, ok := e.flags[q.ID]; ok {
			out = append(out, q.ID)
		}
	}
	return out
}

// ─── Proctoring ─────────────────────────────────────────────────────────

func (e *Engine) ingestEvents() {
	for _, ev := range e.proctor.Drain() {
		if e.attempt.Status.Terminal() {
			e.log.Debug().Str("kind", string(ev.Kind)).Msg("Proctoring event after attempt closed, ignored")
			continue
		}
		e.appendEvent(ev)

		count, escalate := e.escalator.Observe(ev)
		e.obs.ProctoringEvent(ev.Kind, escalate)

		if ev.Kind == model.ProctoringKindServerWarning {
			e.addWarning(Warning{Kind: WarningServer, Message: warningMessage(ev.Payload)})
		}
		if escalate {
			e.escalate(&IntegrityEscalation{Kind: ev.Kind, Count: count})
		}
	}
}

func (e *Engine) escalate(esc *IntegrityEscalation) {
	payload, _ := json.Marshal(map[string]any{
		"reason": "tab_switch_threshold",
		"kind":   esc.Kind,
		"count":  esc.Count,
	})
	e.appendEvent(model.ProctoringEvent{
		ID:         uuid.New(),
		AttemptID:  e.id,
		Kind:       model.ProctoringKindServerWarning,
		Source:     model.ProctoringSourceEngine,
		OccurredAt: e.clock.Now(),
		Payload:    payload,
	})
	e.log.Warn().Err(esc).Msg("Integrity escalation")
	e.addWarning(Warning{Kind: WarningIntegrityEscalation, Message: esc.Error()})
}

func (e *Engine) appendEvent(ev model.ProctoringEvent) {
	e.eventLog = append(e.eventLog, ev)
	e.outbox.Push(ev)
	e.broadcast(Update{Type: UpdateEvent, Event: &ev})
}

// warningMessage extracts {"message": "..."} from a server warning payload.
func warningMessage(payload json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if len(payload) > 0 && json.Unmarshal(payload, &body) == nil && body.Message != "" {
		return body.Message
	}
	return "The proctor has issued a warning."
}

// drainOutbox writes proctoring events to the sink in log order.
func (e *Engine) drainOutbox() {
	defer e.wg.Done()
	for {
		select {
		case <-e.outbox.Ready():
			e.writeEvents(e.bgCtx, e.outbox.Drain())
		case <-e.done:
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.IOTimeout)
			e.writeEvents(ctx, e.outbox.Drain())
			cancel()
			return
		}
	}
}

func (e *Engine) writeEvents(ctx context.Context, evs []model.ProctoringEvent) {
	if e.events == nil {
		return
	}
	for _, ev := range evs {
		if err := e.events.RecordEvent(ctx, ev); err != nil {
			e.log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("Failed to record proctoring event")
		}
	}
}

// ─── Snapshots ──────────────────────────────────────────────────────────

func (e *Engine) addWarning(w Warning) {
	w.At = e.clock.Now()
	e.warnings = append(e.warnings, w)
	if limit := e.opts.MaxWarnings; limit > 0 && len(e.warnings) > limit {
		e.warnings = slices.Clone(e.warnings[len(e.warnings)-limit:])
	}
	e.broadcast(Update{Type: UpdateWarning, Warning: &w})
}

func (e *Engine) buildState() *State {
	unconfirmed := slices.Clone(e.unconfirmed)
	if unconfirmed == nil {
		unconfirmed = []string{}
	}
	st := &State{
		AttemptID:            e.id,
		QuizID:               e.attempt.QuizID,
		ParticipantID:        e.attempt.ParticipantID,
		AttemptNumber:        e.attempt.AttemptNumber,
		Status:               e.attempt.Status,
		StartedAt:            e.attempt.StartedAt,
		Deadline:             e.attempt.Deadline,
		CurrentQuestionIndex: e.attempt.CurrentQuestionIndex,
		QuestionCount:        len(e.questions),
		Responses:            e.store.snapshot(),
		Flags:                e.flagList(),
		Warnings:             slices.Clone(e.warnings),
		Unconfirmed:          unconfirmed,
		EventCount:           len(e.eventLog),
		SubmitFailed:         e.submitFailed,
		FinishedAt:           e.attempt.FinishedAt,
	}
	if st.Warnings == nil {
		st.Warnings = []Warning{}
	}
	if e.result != nil {
		res := *e.result
		st.Result = &res
	}
	return st.withTime(e.clock.Now())
}

func (e *Engine) publish() {
	st := e.buildState()
	e.snapshot.Store(st)
	e.broadcast(Update{Type: UpdateState, State: st})
}

// broadcast never blocks: a full subscriber loses its oldest update.
func (e *Engine) broadcast(u Update) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- u:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}

// sleep waits d on the engine clock. It reports false if ctx ended first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := e.clock.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		return false
	}
}
