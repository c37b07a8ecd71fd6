package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// Quiz errors.
var (
	ErrQuizNotFound        = errors.New("quiz not found")
	ErrQuizNotAvailable    = errors.New("quiz is not available")
	ErrNoQuestions         = errors.New("quiz has no questions")
	ErrInvalidQuizPassword = errors.New("invalid quiz password")
	ErrAttemptLimitReached = errors.New("attempt limit reached")
)

// DefaultQuizCacheTTL bounds how long a cached quiz outlives an edit made
// without InvalidateQuiz.
const DefaultQuizCacheTTL = 6 * time.Hour

type QuizStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Quiz, error)
	ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error)
	SetPassword(ctx context.Context, id uuid.UUID, hash string) error
}

type AttemptStore interface {
	GetActive(ctx context.Context, quizID uuid.UUID, participantID string) (*model.ExamAttempt, error)
	CountForParticipant(ctx context.Context, quizID uuid.UUID, participantID string) (int, error)
	Create(ctx context.Context, a *model.ExamAttempt) error
	ListOpen(ctx context.Context, deadlineBefore *time.Time) ([]model.ExamAttempt, error)
}

// cachedQuiz carries the password hash, which model.Quiz never serializes.
type cachedQuiz struct {
	model.Quiz
	PasswordHash string `json:"password_hash"`
}

// QuizService loads quizzes through a Redis cache and creates attempts.
type QuizService struct {
	quizzes    QuizStore
	attempts   AttemptStore
	rdb        *redis.Client
	bcryptCost int
	cacheTTL   time.Duration
	now        func() time.Time
	log        zerolog.Logger

	loads singleflight.Group
}

func NewQuizService(quizzes QuizStore, attempts AttemptStore, rdb *redis.Client, bcryptCost int, log zerolog.Logger) *QuizService {
	return &QuizService{
		quizzes:    quizzes,
		attempts:   attempts,
		rdb:        rdb,
		bcryptCost: bcryptCost,
		cacheTTL:   DefaultQuizCacheTTL,
		now:        time.Now,
		log:        log.With().Str("component", "quiz_service").Logger(),
	}
}

// GetQuiz returns the quiz from Redis, loading it from PostgreSQL on a miss.
// Concurrent misses for one quiz share a single database load.
func (s *QuizService) GetQuiz(ctx context.Context, id uuid.UUID) (*model.Quiz, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.QuizPayloadKey(id.String())).Bytes()
	switch {
	case err == nil:
		var c cachedQuiz
		if err := json.Unmarshal(data, &c); err == nil {
			q := c.Quiz
			q.PasswordHash = c.PasswordHash
			return &q, nil
		}
		s.log.Warn().Str("quiz_id", id.String()).Msg("Discarding corrupt quiz cache entry")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Msg("Quiz cache read failed, falling back to database")
	}

	v, err, _ := s.loads.Do(id.String(), func() (any, error) {
		q, err := s.quizzes.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrQuizNotFound
			}
			return nil, fmt.Errorf("get quiz: %w", err)
		}
		if err := s.WarmQuizCache(ctx, q); err != nil {
			s.log.Warn().Err(err).Str("quiz_id", id.String()).Msg("Failed to cache quiz")
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	q := *v.(*model.Quiz)
	return &q, nil
}

// WarmQuizCache stores a quiz with its questions and answer keys in Redis.
func (s *QuizService) WarmQuizCache(ctx context.Context, q *model.Quiz) error {
	data, err := json.Marshal(cachedQuiz{Quiz: *q, PasswordHash: q.PasswordHash})
	if err != nil {
		return fmt.Errorf("marshal quiz: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.QuizPayloadKey(q.ID.String()), data, s.cacheTTL).Err(); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}
	s.log.Debug().Str("quiz_id", q.ID.String()).Int("questions", len(q.Questions)).Msg("Cache warmed")
	return nil
}

// InvalidateQuiz drops the cached copy after an edit.
func (s *QuizService) InvalidateQuiz(ctx context.Context, id uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.QuizPayloadKey(id.String())).Err()
}

// PrewarmAllCaches loads every published quiz into Redis before traffic.
func (s *QuizService) PrewarmAllCaches(ctx context.Context) error {
	ids, err := s.quizzes.ListPublishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published quizzes: %w", err)
	}
	if len(ids) == 0 {
		s.log.Info().Msg("No published quizzes to prewarm")
		return nil
	}

	warmed := 0
	for _, id := range ids {
		q, err := s.quizzes.GetByID(ctx, id)
		if err == nil {
			err = s.WarmQuizCache(ctx, q)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("quiz_id", id.String()).Msg("Failed to warm quiz, skipping")
			continue
		}
		warmed++
	}
	s.log.Info().Int("warmed", warmed).Int("total", len(ids)).Msg("Prewarming complete")
	return nil
}

// SetPassword hashes and stores a quiz password. An empty password removes it.
func (s *QuizService) SetPassword(ctx context.Context, id uuid.UUID, password string) error {
	hash := ""
	if password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		hash = string(b)
	}
	if err := s.quizzes.SetPassword(ctx, id, hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrQuizNotFound
		}
		return err
	}
	return s.InvalidateQuiz(ctx, id)
}

// StartAttempt returns the participant's attempt in progress, or creates the
// next one after checking availability, password and the attempt limit.
func (s *QuizService) StartAttempt(ctx context.Context, quizID uuid.UUID, participantID, password string) (session.StartedAttempt, error) {
	quiz, err := s.GetQuiz(ctx, quizID)
	if err != nil {
		return session.StartedAttempt{}, err
	}
	if !quiz.Published {
		return session.StartedAttempt{}, ErrQuizNotAvailable
	}
	if len(quiz.Questions) == 0 {
		return session.StartedAttempt{}, ErrNoQuestions
	}

	if active, err := s.activeAttempt(ctx, quizID, participantID); err != nil {
		return session.StartedAttempt{}, err
	} else if active != nil {
		return started(quiz, active), nil
	}

	if quiz.RequiresPassword() {
		if err := bcrypt.CompareHashAndPassword([]byte(quiz.PasswordHash), []byte(password)); err != nil {
			return session.StartedAttempt{}, ErrInvalidQuizPassword
		}
	}

	count, err := s.attempts.CountForParticipant(ctx, quizID, participantID)
	if err != nil {
		return session.StartedAttempt{}, fmt.Errorf("count attempts: %w", err)
	}
	if limit := quiz.AttemptLimit(); limit > 0 && count >= limit {
		return session.StartedAttempt{}, ErrAttemptLimitReached
	}

	now := s.now().UTC()
	attempt := &model.ExamAttempt{
		ID:            uuid.New(),
		QuizID:        quizID,
		ParticipantID: participantID,
		AttemptNumber: count + 1,
		StartedAt:     now,
		Deadline:      now.Add(quiz.TimeLimit()),
		Status:        model.AttemptStatusInProgress,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return session.StartedAttempt{}, fmt.Errorf("create attempt: %w", err)
		}
		// Lost a concurrent start; the winner's attempt is the active one.
		active, err := s.activeAttempt(ctx, quizID, participantID)
		if err != nil {
			return session.StartedAttempt{}, err
		}
		if active == nil {
			return session.StartedAttempt{}, fmt.Errorf("create attempt: concurrent start left no active attempt")
		}
		return started(quiz, active), nil
	}

	s.log.Info().
		Str("quiz_id", quizID.String()).
		Str("participant_id", participantID).
		Str("attempt_id", attempt.ID.String()).
		Int("attempt_number", attempt.AttemptNumber).
		Msg("Attempt created")
	return started(quiz, attempt), nil
}

// OpenAttempts returns the attempts left in progress with their question
// snapshots, so engines can be rebuilt after a restart. Attempts whose quiz
// can no longer be loaded are skipped.
func (s *QuizService) OpenAttempts(ctx context.Context, deadlineBefore *time.Time) ([]session.StartedAttempt, error) {
	attempts, err := s.attempts.ListOpen(ctx, deadlineBefore)
	if err != nil {
		return nil, fmt.Errorf("list open attempts: %w", err)
	}

	quizzes := make(map[uuid.UUID]*model.Quiz)
	out := make([]session.StartedAttempt, 0, len(attempts))
	for i := range attempts {
		a := &attempts[i]
		q, seen := quizzes[a.QuizID]
		if !seen {
			q, err = s.GetQuiz(ctx, a.QuizID)
			if err != nil {
				s.log.Error().Err(err).Str("quiz_id", a.QuizID.String()).Msg("Cannot load quiz for open attempts")
				q = nil
			}
			quizzes[a.QuizID] = q
		}
		if q == nil {
			continue
		}
		out = append(out, started(q, a))
	}
	return out, nil
}

func (s *QuizService) activeAttempt(ctx context.Context, quizID uuid.UUID, participantID string) (*model.ExamAttempt, error) {
	a, err := s.attempts.GetActive(ctx, quizID, participantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check active attempt: %w", err)
	}
	return a, nil
}

func started(q *model.Quiz, a *model.ExamAttempt) session.StartedAttempt {
	return session.StartedAttempt{Attempt: *a, Title: q.Title, Questions: q.Questions}
}
