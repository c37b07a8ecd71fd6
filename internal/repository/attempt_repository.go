package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

const attemptColumns = `id, quiz_id, participant_id, attempt_number, status, started_at, deadline, current_question_index, finished_at`

// AttemptSummary is one row of the admin attempt overview.
type AttemptSummary struct {
	model.ExamAttempt
	SubmitCause   *model.SubmitCause `json:"submit_cause,omitempty"`
	PreviewScore  *float64           `json:"preview_score,omitempty"`
	AnsweredCount int64              `json:"answered_count"`
	EventCount    int64              `json:"event_count"`
}

// FinishRow is the terminal outcome written by the finalize worker.
type FinishRow struct {
	AttemptID   uuid.UUID
	Status      model.AttemptStatus
	Cause       model.SubmitCause
	Score       float64
	Unconfirmed []string
	FinishedAt  time.Time
}

// FlagsRow is a flag set written by the flags worker.
type FlagsRow struct {
	AttemptID uuid.UUID
	Flagged   []string
	SavedAt   time.Time
}

// AttemptRepository handles exam attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row pgx.Row) (*model.ExamAttempt, error) {
	a := &model.ExamAttempt{}
	err := row.Scan(&a.ID, &a.QuizID, &a.ParticipantID, &a.AttemptNumber, &a.Status,
		&a.StartedAt, &a.Deadline, &a.CurrentQuestionIndex, &a.FinishedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID returns pgx.ErrNoRows when the attempt does not exist.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamAttempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id))
}

// GetActive returns the participant's non-terminal attempt for a quiz.
func (r *AttemptRepository) GetActive(ctx context.Context, quizID uuid.UUID, participantID string) (*model.ExamAttempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM exam_attempts
		 WHERE quiz_id = $1 AND participant_id = $2
		   AND status IN ('NOT_STARTED', 'IN_PROGRESS', 'SUBMITTING')`,
		quizID, participantID))
}

// ListOpen returns attempts still in progress, oldest deadline first. When
// deadlineBefore is set only attempts whose deadline is earlier are listed.
func (r *AttemptRepository) ListOpen(ctx context.Context, deadlineBefore *time.Time) ([]model.ExamAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM exam_attempts
		 WHERE status IN ('IN_PROGRESS', 'SUBMITTING')
		   AND ($1::timestamptz IS NULL OR deadline < $1)
		 ORDER BY deadline`, deadlineBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExamAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CountForParticipant counts every attempt the participant has made on a quiz.
func (r *AttemptRepository) CountForParticipant(ctx context.Context, quizID uuid.UUID, participantID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_attempts WHERE quiz_id = $1 AND participant_id = $2`,
		quizID, participantID,
	).Scan(&n)
	return n, err
}

// Create inserts a new attempt. It returns pgx.ErrNoRows when the partial
// unique index on active attempts rejects it.
func (r *AttemptRepository) Create(ctx context.Context, a *model.ExamAttempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_attempts (id, quiz_id, participant_id, attempt_number, status, started_at, deadline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING
		 RETURNING id`,
		a.ID, a.QuizID, a.ParticipantID, a.AttemptNumber, a.Status, a.StartedAt, a.Deadline,
	).Scan(&a.ID)
}

// ListByQuiz returns every attempt on a quiz with answer and event counts.
func (r *AttemptRepository) ListByQuiz(ctx context.Context, quizID uuid.UUID) ([]AttemptSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.quiz_id, a.participant_id, a.attempt_number, a.status, a.started_at,
		        a.deadline, a.current_question_index, a.finished_at, a.submit_cause, a.preview_score,
		        (SELECT COUNT(*) FROM attempt_responses r WHERE r.attempt_id = a.id),
		        (SELECT COUNT(*) FROM proctoring_events e WHERE e.attempt_id = a.id)
		 FROM exam_attempts a
		 WHERE a.quiz_id = $1
		 ORDER BY a.started_at DESC`, quizID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptSummary
	for rows.Next() {
		var s AttemptSummary
		if err := rows.Scan(&s.ID, &s.QuizID, &s.ParticipantID, &s.AttemptNumber, &s.Status,
			&s.StartedAt, &s.Deadline, &s.CurrentQuestionIndex, &s.FinishedAt,
			&s.SubmitCause, &s.PreviewScore, &s.AnsweredCount, &s.EventCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FinishBatch writes terminal outcomes with one UNNEST update. Attempts that
// are already terminal are left untouched.
func (r *AttemptRepository) FinishBatch(ctx context.Context, batch []FinishRow) error {
	n := len(batch)
	ids := make([]uuid.UUID, 0, n)
	statuses := make([]string, 0, n)
	causes := make([]string, 0, n)
	scores := make([]float64, 0, n)
	unconfirmed := make([][]byte, 0, n)
	finishedAts := make([]time.Time, 0, n)

	for _, f := range batch {
		uc, err := json.Marshal(nonNil(f.Unconfirmed))
		if err != nil {
			return err
		}
		ids = append(ids, f.AttemptID)
		statuses = append(statuses, string(f.Status))
		causes = append(causes, string(f.Cause))
		scores = append(scores, f.Score)
		unconfirmed = append(unconfirmed, uc)
		finishedAts = append(finishedAts, f.FinishedAt)
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE exam_attempts AS a
		SET status = t.status,
		    submit_cause = NULLIF(t.cause, ''),
		    preview_score = t.score,
		    unconfirmed_questions = t.unconfirmed,
		    finished_at = t.finished_at
		FROM UNNEST(
			$1::uuid[],
			$2::text[],
			$3::text[],
			$4::float8[],
			$5::jsonb[],
			$6::timestamptz[]
		) AS t (id, status, cause, score, unconfirmed, finished_at)
		WHERE a.id = t.id
		  AND a.status IN ('NOT_STARTED', 'IN_PROGRESS', 'SUBMITTING')`,
		ids, statuses, causes, scores, unconfirmed, finishedAts)
	return err
}

func (r *AttemptRepository) Finish(ctx context.Context, f FinishRow) error {
	uc, err := json.Marshal(nonNil(f.Unconfirmed))
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET status = $1, submit_cause = NULLIF($2, ''), preview_score = $3,
		     unconfirmed_questions = $4, finished_at = $5
		 WHERE id = $6 AND status IN ('NOT_STARTED', 'IN_PROGRESS', 'SUBMITTING')`,
		f.Status, string(f.Cause), f.Score, uc, f.FinishedAt, f.AttemptID)
	return err
}

// UpdateFlagsBatch stores flag sets, skipping rows older than what is stored.
func (r *AttemptRepository) UpdateFlagsBatch(ctx context.Context, batch []FlagsRow) error {
	n := len(batch)
	ids := make([]uuid.UUID, 0, n)
	flags := make([][]byte, 0, n)
	savedAts := make([]time.Time, 0, n)

	for _, f := range batch {
		fb, err := json.Marshal(nonNil(f.Flagged))
		if err != nil {
			return err
		}
		ids = append(ids, f.AttemptID)
		flags = append(flags, fb)
		savedAts = append(savedAts, f.SavedAt)
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE exam_attempts AS a
		SET flagged_questions = t.flagged,
		    flags_saved_at = t.saved_at
		FROM UNNEST(
			$1::uuid[],
			$2::jsonb[],
			$3::timestamptz[]
		) AS t (id, flagged, saved_at)
		WHERE a.id = t.id
		  AND (a.flags_saved_at IS NULL OR a.flags_saved_at <= t.saved_at)`,
		ids, flags, savedAts)
	return err
}

func (r *AttemptRepository) UpdateFlags(ctx context.Context, f FlagsRow) error {
	fb, err := json.Marshal(nonNil(f.Flagged))
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET flagged_questions = $1, flags_saved_at = $2
		 WHERE id = $3 AND (flags_saved_at IS NULL OR flags_saved_at <= $2)`,
		fb, f.SavedAt, f.AttemptID)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
