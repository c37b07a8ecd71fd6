package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type participantKey struct {
	quizID        uuid.UUID
	participantID string
}

// Manager owns the live engines of this process. It keeps at most one
// non-terminal engine per (quiz, participant).
type Manager struct {
	starter   Starter
	deps      Deps
	opts      Options
	retention time.Duration
	log       zerolog.Logger

	mu      sync.Mutex
	engines map[uuid.UUID]*Engine
	active  map[participantKey]uuid.UUID
	closed  bool

	recovery   OpenAttempts
	staleAfter time.Duration

	starts singleflight.Group
}

// NewManager returns a Manager that starts attempts through starter and
// builds engines with deps and opts. Terminal engines are kept for
// retention before the reaper closes them.
func NewManager(starter Starter, deps Deps, opts Options, retention time.Duration) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Manager{
		starter:   starter,
		deps:      deps,
		opts:      opts,
		retention: retention,
		log:       deps.Log.With().Str("component", "session_manager").Logger(),
		engines:   make(map[uuid.UUID]*Engine),
		active:    make(map[participantKey]uuid.UUID),
	}
}

// Start returns the participant's live engine for quizID, creating and
// starting one through the Starter if none is running. Concurrent calls for
// the same participant share one start.
func (m *Manager) Start(ctx context.Context, quizID uuid.UUID, participantID, password string) (*Engine, error) {
	key := participantKey{quizID: quizID, participantID: participantID}
	if e := m.activeEngine(key); e != nil {
		return e, nil
	}

	v, err, _ := m.starts.Do(quizID.String()+"/"+participantID, func() (any, error) {
		if e := m.activeEngine(key); e != nil {
			return e, nil
		}
		return m.startNew(ctx, key, password)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

func (m *Manager) startNew(ctx context.Context, key participantKey, password string) (*Engine, error) {
	started, err := m.starter.StartAttempt(ctx, key.quizID, key.participantID, password)
	if err != nil {
		return nil, err
	}
	return m.launch(ctx, key, started)
}

// Resume rebuilds the engine of an attempt that is still open durably but
// has no engine here, typically after a restart. An attempt past its
// deadline is submitted by the timer as soon as it starts.
func (m *Manager) Resume(ctx context.Context, started StartedAttempt) (*Engine, error) {
	a := started.Attempt
	key := participantKey{quizID: a.QuizID, participantID: a.ParticipantID}
	v, err, _ := m.starts.Do(a.QuizID.String()+"/"+a.ParticipantID, func() (any, error) {
		if e := m.activeEngine(key); e != nil {
			return e, nil
		}
		return m.launch(ctx, key, started)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

// Recover resumes every open attempt src lists that has no engine here and
// returns how many engines were started. With deadlineBefore set only
// attempts overdue by then are considered.
func (m *Manager) Recover(ctx context.Context, src OpenAttempts, deadlineBefore *time.Time) (int, error) {
	open, err := src.OpenAttempts(ctx, deadlineBefore)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, started := range open {
		if _, err := m.Get(started.Attempt.ID); err == nil {
			continue
		}
		if _, err := m.Resume(ctx, started); err != nil {
			m.log.Error().Err(err).Str("attempt_id", started.Attempt.ID.String()).Msg("Failed to resume attempt")
			continue
		}
		n++
	}
	if n > 0 {
		m.log.Info().Int("count", n).Msg("Resumed open attempts")
	}
	return n, nil
}

// EnableRecovery makes the reaper also resume attempts that are overdue by
// more than staleAfter and have no engine, such as those left behind by a
// process that stopped.
func (m *Manager) EnableRecovery(src OpenAttempts, staleAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery = src
	m.staleAfter = staleAfter
}

func (m *Manager) launch(ctx context.Context, key participantKey, started StartedAttempt) (*Engine, error) {
	if started.Attempt.Status.Terminal() {
		return nil, fmt.Errorf("start attempt %s: %w", started.Attempt.ID, ErrAttemptClosed)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrEngineStopped
	}
	if e, ok := m.engines[started.Attempt.ID]; ok {
		m.mu.Unlock()
		if e.CurrentState().Status.Terminal() {
			return nil, fmt.Errorf("start attempt %s: %w", started.Attempt.ID, ErrAttemptClosed)
		}
		return e, nil
	}
	e := NewEngine(started, m.deps, m.opts)
	m.engines[e.ID()] = e
	m.active[key] = e.ID()
	m.mu.Unlock()

	if err := e.Start(ctx); err != nil {
		m.remove(e)
		e.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	m.log.Info().
		Str("attempt_id", e.ID().String()).
		Str("participant_id", key.participantID).
		Msg("Attempt engine running")
	return e, nil
}

func (m *Manager) activeEngine(key participantKey) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[key]
	if !ok {
		return nil
	}
	e := m.engines[id]
	if e == nil || e.CurrentState().Status.Terminal() {
		delete(m.active, key)
		return nil
	}
	return e
}

// Get returns the engine for attemptID.
func (m *Manager) Get(attemptID uuid.UUID) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[attemptID]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return e, nil
}

// GetOwned returns the engine for attemptID if it belongs to participantID.
func (m *Manager) GetOwned(attemptID uuid.UUID, participantID string) (*Engine, error) {
	e, err := m.Get(attemptID)
	if err != nil {
		return nil, err
	}
	if e.ParticipantID() != participantID {
		return nil, ErrAttemptNotFound
	}
	return e, nil
}

// Abort ends a live attempt on administrative request.
func (m *Manager) Abort(ctx context.Context, attemptID uuid.UUID, reason string) (model.SubmissionResult, error) {
	e, err := m.Get(attemptID)
	if err != nil {
		return model.SubmissionResult{}, err
	}
	return e.Abort(ctx, reason)
}

// ForQuiz returns the engines registered for quizID.
func (m *Manager) ForQuiz(quizID uuid.UUID) []*Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Engine
	for _, e := range m.engines {
		if e.QuizID() == quizID {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many engines are registered.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engines)
}

// Reap closes engines that finished more than the retention window before
// now and returns how many were removed.
func (m *Manager) Reap(now time.Time) int {
	var expired []*Engine
	m.mu.Lock()
	for id, e := range m.engines {
		st := e.CurrentState()
		if st.FinishedAt == nil || now.Sub(*st.FinishedAt) < m.retention {
			continue
		}
		delete(m.engines, id)
		key := participantKey{quizID: e.QuizID(), participantID: e.ParticipantID()}
		if m.active[key] == id {
			delete(m.active, key)
		}
		expired = append(expired, e)
	}
	m.mu.Unlock()

	for _, e := range expired {
		e.Close()
	}
	if len(expired) > 0 {
		m.log.Debug().Int("count", len(expired)).Msg("Reaped finished attempt engines")
	}
	return len(expired)
}

// RunReaper calls Reap every interval until ctx is done. With recovery
// enabled each tick also resumes overdue attempts that have no engine.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	now := m.deps.Clock.Now()
	m.Reap(now)

	m.mu.Lock()
	src, staleAfter := m.recovery, m.staleAfter
	m.mu.Unlock()
	if src == nil {
		return
	}
	cutoff := now.Add(-staleAfter)
	if _, err := m.Recover(ctx, src, &cutoff); err != nil {
		m.log.Warn().Err(err).Msg("Open attempt sweep failed")
	}
}

// Close stops every engine. Attempts in progress stay in progress durably
// and are resumed by the next Start or the next process's Recover.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.engines = make(map[uuid.UUID]*Engine)
	m.active = make(map[participantKey]uuid.UUID)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Close()
		}()
	}
	wg.Wait()
	m.log.Info().Int("count", len(engines)).Msg("Attempt engines stopped")
}

func (m *Manager) remove(e *Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engines[e.ID()] == e {
		delete(m.engines, e.ID())
	}
	key := participantKey{quizID: e.QuizID(), participantID: e.ParticipantID()}
	if m.active[key] == e.ID() {
		delete(m.active, key)
	}
}
