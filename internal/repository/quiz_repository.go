package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuizRepository handles quiz and question data access.
type QuizRepository struct {
	pool *pgxpool.Pool
}

func NewQuizRepository(pool *pgxpool.Pool) *QuizRepository {
	return &QuizRepository{pool: pool}
}

// GetByID returns a quiz with its questions in paper order.
func (r *QuizRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Quiz, error) {
	q := &model.Quiz{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, time_limit_seconds, password_hash, allow_multiple_attempts,
		        max_attempts, published, created_at
		 FROM quizzes WHERE id = $1`, id,
	).Scan(&q.ID, &q.Title, &q.TimeLimitSeconds, &q.PasswordHash, &q.AllowMultipleAttempts,
		&q.MaxAttempts, &q.Published, &q.CreatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, type, prompt, options, points
		 FROM questions WHERE quiz_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			qs   model.Question
			opts []byte
		)
		if err := rows.Scan(&qs.ID, &qs.Type, &qs.Prompt, &opts, &qs.Points); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(opts, &qs.Options); err != nil {
			return nil, fmt.Errorf("decode options of %s: %w", qs.ID, err)
		}
		q.Questions = append(q.Questions, qs)
	}
	return q, rows.Err()
}

// ListPublishedIDs returns every published quiz.
func (r *QuizRepository) ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM quizzes WHERE published ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// Upsert replaces a quiz and its question set in one transaction. The
// password hash is only written on insert.
func (r *QuizRepository) Upsert(ctx context.Context, q *model.Quiz) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO quizzes (id, title, time_limit_seconds, password_hash, allow_multiple_attempts, max_attempts, published)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET title = EXCLUDED.title,
		     time_limit_seconds = EXCLUDED.time_limit_seconds,
		     allow_multiple_attempts = EXCLUDED.allow_multiple_attempts,
		     max_attempts = EXCLUDED.max_attempts,
		     published = EXCLUDED.published`,
		q.ID, q.Title, q.TimeLimitSeconds, q.PasswordHash, q.AllowMultipleAttempts, q.MaxAttempts, q.Published)
	if err != nil {
		return fmt.Errorf("upsert quiz: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE quiz_id = $1`, q.ID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}

	batch := &pgx.Batch{}
	for i, qs := range q.Questions {
		opts, err := json.Marshal(qs.Options)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO questions (quiz_id, id, position, type, prompt, options, points)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			q.ID, qs.ID, i, qs.Type, qs.Prompt, opts, qs.MaxPoints())
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert questions: %w", err)
	}

	return tx.Commit(ctx)
}

// SetPassword replaces the quiz password hash. An empty hash removes it.
func (r *QuizRepository) SetPassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE quizzes SET password_hash = $1 WHERE id = $2`, hash, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
