package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// ErrAttemptNotFound is returned when an attempt is neither live nor stored.
var ErrAttemptNotFound = errors.New("attempt not found")

type QuizGetter interface {
	GetQuiz(ctx context.Context, id uuid.UUID) (*model.Quiz, error)
}

type AttemptLister interface {
	ListByQuiz(ctx context.Context, quizID uuid.UUID) ([]repository.AttemptSummary, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamAttempt, error)
}

type EventLister interface {
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.ProctoringEvent, error)
}

// LiveEngines is the part of the session manager the monitor reads.
type LiveEngines interface {
	Get(attemptID uuid.UUID) (*session.Engine, error)
	ForQuiz(quizID uuid.UUID) []*session.Engine
}

// AttemptOverview is one attempt as shown to proctors. Live attempts carry
// the engine's view, which is ahead of the database.
type AttemptOverview struct {
	repository.AttemptSummary
	Live            bool  `json:"live"`
	TimeRemainingMs int64 `json:"time_remaining_ms"`
	Unconfirmed     int   `json:"unconfirmed_count"`
	Warnings        int   `json:"warning_count"`
}

type QuizStats struct {
	Total      int   `json:"total"`
	InProgress int   `json:"in_progress"`
	Submitting int   `json:"submitting"`
	Submitted  int   `json:"submitted"`
	Expired    int   `json:"expired"`
	Aborted    int   `json:"aborted"`
	Events     int64 `json:"events"`
}

type QuizOverview struct {
	QuizID        uuid.UUID         `json:"quiz_id"`
	Title         string            `json:"title"`
	QuestionCount int               `json:"question_count"`
	Stats         QuizStats         `json:"stats"`
	Attempts      []AttemptOverview `json:"attempts"`
}

// MonitorService builds the proctor views of quizzes and attempts.
type MonitorService struct {
	quizzes  QuizGetter
	attempts AttemptLister
	events   EventLister
	live     LiveEngines
}

func NewMonitorService(quizzes QuizGetter, attempts AttemptLister, events EventLister, live LiveEngines) *MonitorService {
	return &MonitorService{quizzes: quizzes, attempts: attempts, events: events, live: live}
}

// QuizOverview loads the quiz and its attempts concurrently and overlays the
// live engines of this process.
func (s *MonitorService) QuizOverview(ctx context.Context, quizID uuid.UUID) (*QuizOverview, error) {
	var (
		quiz *model.Quiz
		rows []repository.AttemptSummary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		quiz, err = s.quizzes.GetQuiz(gctx, quizID)
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = s.attempts.ListByQuiz(gctx, quizID)
		if err != nil {
			return fmt.Errorf("list attempts: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	live := make(map[uuid.UUID]*session.State)
	for _, e := range s.live.ForQuiz(quizID) {
		live[e.ID()] = e.CurrentState()
	}

	out := &QuizOverview{
		QuizID:        quiz.ID,
		Title:         quiz.Title,
		QuestionCount: len(quiz.Questions),
		Attempts:      make([]AttemptOverview, 0, len(rows)),
	}
	for _, row := range rows {
		ov := AttemptOverview{AttemptSummary: row}
		if st, ok := live[row.ID]; ok {
			overlay(&ov, st)
			delete(live, row.ID)
		}
		out.Attempts = append(out.Attempts, ov)
	}
	// Attempts created after the list query ran.
	for _, st := range live {
		ov := AttemptOverview{AttemptSummary: repository.AttemptSummary{ExamAttempt: model.ExamAttempt{
			ID:            st.AttemptID,
			QuizID:        st.QuizID,
			ParticipantID: st.ParticipantID,
			AttemptNumber: st.AttemptNumber,
			StartedAt:     st.StartedAt,
			Deadline:      st.Deadline,
		}}}
		overlay(&ov, st)
		out.Attempts = append(out.Attempts, ov)
	}

	for _, a := range out.Attempts {
		out.Stats.add(a)
	}
	return out, nil
}

func overlay(ov *AttemptOverview, st *session.State) {
	ov.Live = true
	ov.Status = st.Status
	ov.CurrentQuestionIndex = st.CurrentQuestionIndex
	ov.FinishedAt = st.FinishedAt
	ov.AnsweredCount = int64(len(st.Responses))
	ov.EventCount = int64(st.EventCount)
	ov.TimeRemainingMs = st.TimeRemainingMs
	ov.Unconfirmed = len(st.Unconfirmed)
	ov.Warnings = len(st.Warnings)
	if st.Result != nil {
		cause := st.Result.Cause
		ov.SubmitCause = &cause
		score := st.Result.Preview.Percentage
		ov.PreviewScore = &score
	}
}

func (q *QuizStats) add(a AttemptOverview) {
	q.Total++
	q.Events += a.EventCount
	switch a.Status {
	case model.AttemptStatusInProgress:
		q.InProgress++
	case model.AttemptStatusSubmitting:
		q.Submitting++
	case model.AttemptStatusSubmitted:
		q.Submitted++
	case model.AttemptStatusExpired:
		q.Expired++
	case model.AttemptStatusAborted:
		q.Aborted++
	}
}

// AttemptEvents returns the proctoring log of an attempt. A live engine is
// authoritative; otherwise the stored log is returned.
func (s *MonitorService) AttemptEvents(ctx context.Context, attemptID uuid.UUID) ([]model.ProctoringEvent, error) {
	if e, err := s.live.Get(attemptID); err == nil {
		return e.Events(ctx)
	}
	if _, err := s.attempts.GetByID(ctx, attemptID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	evs, err := s.events.ListByAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return evs, nil
}
