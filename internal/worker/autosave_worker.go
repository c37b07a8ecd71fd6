package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

type AnswerStore interface {
	UpsertBatch(ctx context.Context, batch []repository.ResponseRow) error
	Upsert(ctx context.Context, row repository.ResponseRow) error
}

// AutosaveWorker consumes the answers queue and upserts answers into
// attempt_responses.
type AutosaveWorker struct {
	store AnswerStore
	c     *batchConsumer[gateway.AnswerJob]
}

func NewAutosaveWorker(store AnswerStore, rdb *redis.Client, log zerolog.Logger, metrics Recorder) *AutosaveWorker {
	w := &AutosaveWorker{store: store}
	w.c = newBatchConsumer[gateway.AnswerJob]("autosave", config.WorkerKey.PersistAnswersQueue, rdb, log, metrics)
	w.c.bulk = w.bulkUpsert
	w.c.single = w.persistSingle
	return w
}

// Start runs until ctx is cancelled, then flushes what it holds. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) { w.c.run(ctx) }

type answerKey struct {
	attemptID  uuid.UUID
	questionID string
}

// latestAnswers drops malformed jobs and keeps the newest job per question;
// a single upsert statement cannot touch one row twice.
func (w *AutosaveWorker) latestAnswers(batch []gateway.AnswerJob) []repository.ResponseRow {
	idx := make(map[answerKey]int, len(batch))
	rows := make([]repository.ResponseRow, 0, len(batch))
	for _, job := range batch {
		row, ok := w.toRow(job)
		if !ok {
			continue
		}
		k := answerKey{row.AttemptID, row.QuestionID}
		if i, seen := idx[k]; seen {
			if !row.SavedAt.Before(rows[i].SavedAt) {
				rows[i] = row
			}
			continue
		}
		idx[k] = len(rows)
		rows = append(rows, row)
	}
	return rows
}

func (w *AutosaveWorker) toRow(job gateway.AnswerJob) (repository.ResponseRow, bool) {
	attemptID, err := uuid.Parse(job.AttemptID)
	if err != nil || job.QuestionID == "" {
		w.c.log.Error().Str("attempt_id", job.AttemptID).Str("question_id", job.QuestionID).Msg("Dropping answer with invalid identifiers")
		return repository.ResponseRow{}, false
	}
	return repository.ResponseRow{
		AttemptID:  attemptID,
		QuestionID: job.QuestionID,
		Value:      job.Value,
		SavedAt:    job.SavedAt,
	}, true
}

func (w *AutosaveWorker) bulkUpsert(ctx context.Context, batch []gateway.AnswerJob) error {
	rows := w.latestAnswers(batch)
	if len(rows) == 0 {
		return nil
	}
	return w.store.UpsertBatch(ctx, rows)
}

func (w *AutosaveWorker) persistSingle(ctx context.Context, job gateway.AnswerJob) error {
	row, ok := w.toRow(job)
	if !ok {
		return nil
	}
	return w.store.Upsert(ctx, row)
}
