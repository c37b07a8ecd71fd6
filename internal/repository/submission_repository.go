package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// SubmissionRepository stores final submissions, one per attempt.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// CreateOrGet inserts the submission for an attempt, or returns the ID of the
// one already stored. The stored answers are never replaced.
func (r *SubmissionRepository) CreateOrGet(ctx context.Context, attemptID uuid.UUID, final []model.Response, unconfirmed []string) (uuid.UUID, error) {
	responses, err := json.Marshal(final)
	if err != nil {
		return uuid.Nil, err
	}
	uc, err := json.Marshal(nonNil(unconfirmed))
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = r.pool.QueryRow(ctx,
		`INSERT INTO submissions (id, attempt_id, responses, unconfirmed)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (attempt_id) DO UPDATE SET attempt_id = EXCLUDED.attempt_id
		 RETURNING id`,
		uuid.New(), attemptID, responses, uc,
	).Scan(&id)
	return id, err
}
