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

type FlagStore interface {
	UpdateFlagsBatch(ctx context.Context, batch []repository.FlagsRow) error
	UpdateFlags(ctx context.Context, row repository.FlagsRow) error
}

// FlagsWorker consumes the flags queue and stores each attempt's latest
// flag set.
type FlagsWorker struct {
	store FlagStore
	c     *batchConsumer[gateway.FlagsJob]
}

func NewFlagsWorker(store FlagStore, rdb *redis.Client, log zerolog.Logger, metrics Recorder) *FlagsWorker {
	w := &FlagsWorker{store: store}
	w.c = newBatchConsumer[gateway.FlagsJob]("flags", config.WorkerKey.PersistFlagsQueue, rdb, log, metrics)
	w.c.bulk = w.bulkUpdate
	w.c.single = w.persistSingle
	return w
}

func (w *FlagsWorker) Start(ctx context.Context) { w.c.run(ctx) }

func (w *FlagsWorker) toRow(job gateway.FlagsJob) (repository.FlagsRow, bool) {
	id, err := uuid.Parse(job.AttemptID)
	if err != nil {
		w.c.log.Error().Str("attempt_id", job.AttemptID).Msg("Dropping flags with invalid attempt ID")
		return repository.FlagsRow{}, false
	}
	return repository.FlagsRow{AttemptID: id, Flagged: job.Flagged, SavedAt: job.SavedAt}, true
}

func (w *FlagsWorker) bulkUpdate(ctx context.Context, batch []gateway.FlagsJob) error {
	idx := make(map[uuid.UUID]int, len(batch))
	rows := make([]repository.FlagsRow, 0, len(batch))
	for _, job := range batch {
		row, ok := w.toRow(job)
		if !ok {
			continue
		}
		if i, seen := idx[row.AttemptID]; seen {
			if !row.SavedAt.Before(rows[i].SavedAt) {
				rows[i] = row
			}
			continue
		}
		idx[row.AttemptID] = len(rows)
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	return w.store.UpdateFlagsBatch(ctx, rows)
}

func (w *FlagsWorker) persistSingle(ctx context.Context, job gateway.FlagsJob) error {
	row, ok := w.toRow(job)
	if !ok {
		return nil
	}
	return w.store.UpdateFlags(ctx, row)
}
