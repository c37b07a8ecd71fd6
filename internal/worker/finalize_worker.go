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

type AttemptFinisher interface {
	FinishBatch(ctx context.Context, batch []repository.FinishRow) error
	Finish(ctx context.Context, row repository.FinishRow) error
}

// FinalizeWorker consumes the finalize queue, writes terminal attempt
// outcomes and then drops the attempts' autosave buffers.
type FinalizeWorker struct {
	store AttemptFinisher
	rdb   *redis.Client
	c     *batchConsumer[gateway.FinalizeJob]
}

func NewFinalizeWorker(store AttemptFinisher, rdb *redis.Client, log zerolog.Logger, metrics Recorder) *FinalizeWorker {
	w := &FinalizeWorker{store: store, rdb: rdb}
	w.c = newBatchConsumer[gateway.FinalizeJob]("finalize", config.WorkerKey.PersistFinalizeQueue, rdb, log, metrics)
	w.c.bulk = w.bulkFinish
	w.c.single = w.finishSingle
	w.c.done = w.clearBuffers
	return w
}

func (w *FinalizeWorker) Start(ctx context.Context) { w.c.run(ctx) }

func (w *FinalizeWorker) toRow(job gateway.FinalizeJob) (repository.FinishRow, bool) {
	id, err := uuid.Parse(job.AttemptID)
	if err != nil || !job.Status.Terminal() {
		w.c.log.Error().Str("attempt_id", job.AttemptID).Str("status", string(job.Status)).Msg("Dropping invalid finalize job")
		return repository.FinishRow{}, false
	}
	return repository.FinishRow{
		AttemptID:   id,
		Status:      job.Status,
		Cause:       job.Cause,
		Score:       job.Score,
		Unconfirmed: job.Unconfirmed,
		FinishedAt:  job.FinishedAt,
	}, true
}

func (w *FinalizeWorker) bulkFinish(ctx context.Context, batch []gateway.FinalizeJob) error {
	// One terminal outcome per attempt; the first wins like in the table.
	seen := make(map[uuid.UUID]bool, len(batch))
	rows := make([]repository.FinishRow, 0, len(batch))
	for _, job := range batch {
		row, ok := w.toRow(job)
		if !ok || seen[row.AttemptID] {
			continue
		}
		seen[row.AttemptID] = true
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	return w.store.FinishBatch(ctx, rows)
}

func (w *FinalizeWorker) finishSingle(ctx context.Context, job gateway.FinalizeJob) error {
	row, ok := w.toRow(job)
	if !ok {
		return nil
	}
	return w.store.Finish(ctx, row)
}

func (w *FinalizeWorker) clearBuffers(ctx context.Context, batch []gateway.FinalizeJob) {
	pipe := w.rdb.Pipeline()
	for _, job := range batch {
		pipe.Del(ctx,
			config.CacheKey.AttemptAnswersKey(job.AttemptID),
			config.CacheKey.AttemptFlagsKey(job.AttemptID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.c.log.Warn().Err(err).Msg("Failed to clear autosave buffers")
	}
}
