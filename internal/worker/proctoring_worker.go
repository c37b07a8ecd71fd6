package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type EventStore interface {
	CopyEvents(ctx context.Context, batch []model.ProctoringEvent) error
	Insert(ctx context.Context, ev model.ProctoringEvent) error
}

// ProctoringWorker consumes the events queue and appends
// events to proctoring_events with COPY.
type ProctoringWorker struct {
	store EventStore
	c     *batchConsumer[model.ProctoringEvent]
}

func NewProctoringWorker(store EventStore, rdb *redis.Client, log zerolog.Logger, metrics Recorder) *ProctoringWorker {
	w := &ProctoringWorker{store: store}
	w.c = newBatchConsumer[model.ProctoringEvent]("proctoring", config.WorkerKey.PersistEventsQueue, rdb, log, metrics)
	w.c.bulk = w.bulkCopy
	w.c.single = w.insertSingle
	return w
}

func (w *ProctoringWorker) Start(ctx context.Context) { w.c.run(ctx) }

func (w *ProctoringWorker) valid(ev model.ProctoringEvent) bool {
	if ev.ID == uuid.Nil || ev.AttemptID == uuid.Nil || !ev.Kind.Valid() {
		w.c.log.Error().Str("event_id", ev.ID.String()).Str("kind", string(ev.Kind)).Msg("Dropping invalid proctoring event")
		return false
	}
	return true
}

func (w *ProctoringWorker) bulkCopy(ctx context.Context, batch []model.ProctoringEvent) error {
	rows := make([]model.ProctoringEvent, 0, len(batch))
	for _, ev := range batch {
		if w.valid(ev) {
			rows = append(rows, ev)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return w.store.CopyEvents(ctx, rows)
}

func (w *ProctoringWorker) insertSingle(ctx context.Context, ev model.ProctoringEvent) error {
	if !w.valid(ev) {
		return nil
	}
	return w.store.Insert(ctx, ev)
}
