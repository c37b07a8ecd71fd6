package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ResponseRow is one autosaved answer.
type ResponseRow struct {
	AttemptID  uuid.UUID
	QuestionID string
	Value      model.AnswerValue
	SavedAt    time.Time
}

// ResponseRepository handles durable attempt responses.
type ResponseRepository struct {
	pool *pgxpool.Pool
}

func NewResponseRepository(pool *pgxpool.Pool) *ResponseRepository {
	return &ResponseRepository{pool: pool}
}

// UpsertBatch writes responses with one UNNEST upsert. A row never
// overwrites a newer stored value. The batch must not repeat a key.
func (r *ResponseRepository) UpsertBatch(ctx context.Context, batch []ResponseRow) error {
	n := len(batch)
	attemptIDs := make([]uuid.UUID, 0, n)
	questionIDs := make([]string, 0, n)
	values := make([][]byte, 0, n)
	savedAts := make([]time.Time, 0, n)

	for _, row := range batch {
		v, err := json.Marshal(row.Value)
		if err != nil {
			return err
		}
		attemptIDs = append(attemptIDs, row.AttemptID)
		questionIDs = append(questionIDs, row.QuestionID)
		values = append(values, v)
		savedAts = append(savedAts, row.SavedAt)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO attempt_responses (attempt_id, question_id, value, saved_at)
		SELECT * FROM UNNEST($1::uuid[], $2::text[], $3::jsonb[], $4::timestamptz[])
		ON CONFLICT (attempt_id, question_id) DO UPDATE
		SET value = EXCLUDED.value, saved_at = EXCLUDED.saved_at
		WHERE attempt_responses.saved_at <= EXCLUDED.saved_at`,
		attemptIDs, questionIDs, values, savedAts)
	return err
}

func (r *ResponseRepository) Upsert(ctx context.Context, row ResponseRow) error {
	v, err := json.Marshal(row.Value)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO attempt_responses (attempt_id, question_id, value, saved_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET value = EXCLUDED.value, saved_at = EXCLUDED.saved_at
		 WHERE attempt_responses.saved_at <= EXCLUDED.saved_at`,
		row.AttemptID, row.QuestionID, v, row.SavedAt)
	return err
}

// ListByAttempt returns the durable responses of an attempt keyed by question.
func (r *ResponseRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) (map[string]model.Response, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, value, saved_at FROM attempt_responses WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.Response)
	for rows.Next() {
		var (
			qid   string
			raw   []byte
			saved time.Time
		)
		if err := rows.Scan(&qid, &raw, &saved); err != nil {
			return nil, err
		}
		var v model.AnswerValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out[qid] = model.Response{QuestionID: qid, Value: v, LastModifiedAt: saved, SyncState: model.SyncStateClean}
	}
	return out, rows.Err()
}
