package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// EventRepository stores the proctoring audit log.
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// CopyEvents bulk-inserts events with COPY. Any duplicate ID fails the whole
// batch; callers fall back to Insert.
func (r *EventRepository) CopyEvents(ctx context.Context, batch []model.ProctoringEvent) error {
	rows := make([][]any, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, []any{ev.ID, ev.AttemptID, string(ev.Kind), string(ev.Source), ev.OccurredAt, payloadOrNil(ev)})
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"proctoring_events"},
		[]string{"id", "attempt_id", "kind", "source", "occurred_at", "payload"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// Insert stores one event; a repeated ID is ignored.
func (r *EventRepository) Insert(ctx context.Context, ev model.ProctoringEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO proctoring_events (id, attempt_id, kind, source, occurred_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.AttemptID, ev.Kind, ev.Source, ev.OccurredAt, payloadOrNil(ev))
	return err
}

// ListByAttempt returns an attempt's events in the order they occurred.
func (r *EventRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.ProctoringEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, kind, source, occurred_at, payload
		 FROM proctoring_events
		 WHERE attempt_id = $1
		 ORDER BY occurred_at, seq`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProctoringEvent
	for rows.Next() {
		var ev model.ProctoringEvent
		if err := rows.Scan(&ev.ID, &ev.AttemptID, &ev.Kind, &ev.Source, &ev.OccurredAt, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func payloadOrNil(ev model.ProctoringEvent) any {
	if len(ev.Payload) == 0 {
		return nil
	}
	return []byte(ev.Payload)
}
