package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// Recorder receives row counts per worker and outcome.
type Recorder interface {
	WorkerRows(worker, outcome string, n int)
}

type nopRecorder struct{}

func (nopRecorder) WorkerRows(string, string, int) {}

// batchConsumer drains one Redis list into batches. bulk writes a whole
// batch; on failure each item goes through single, and items single cannot
// write are pushed back onto the queue.
type batchConsumer[T any] struct {
	name    string
	queue   string
	rdb     *redis.Client
	log     zerolog.Logger
	metrics Recorder

	bulk   func(ctx context.Context, batch []T) error
	single func(ctx context.Context, item T) error
	// done runs after a batch is fully written.
	done func(ctx context.Context, batch []T)

	batchSize    int
	batchTimeout time.Duration
	pollTimeout  time.Duration
	requeueDelay time.Duration
}

func newBatchConsumer[T any](name, queue string, rdb *redis.Client, log zerolog.Logger, metrics Recorder) *batchConsumer[T] {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &batchConsumer[T]{
		name:         name,
		queue:        queue,
		rdb:          rdb,
		log:          log.With().Str("component", name+"_worker").Logger(),
		metrics:      metrics,
		batchSize:    BatchSize,
		batchTimeout: BatchTimeout,
		pollTimeout:  PollTimeout,
		requeueDelay: 2 * time.Second,
	}
}

func (c *batchConsumer[T]) run(ctx context.Context) {
	c.log.Info().Str("queue", c.queue).Msg("Worker started")

	buffer := make([]T, 0, c.batchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= c.batchSize || time.Since(lastFlush) >= c.batchTimeout) {
			c.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			c.shutdown(buffer)
			return
		default:
		}

		result, err := c.rdb.BLPop(ctx, c.pollTimeout, c.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			c.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var item T
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			c.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			c.metrics.WorkerRows(c.name, "discarded", 1)
			continue
		}
		buffer = append(buffer, item)
	}
}

// flushSafe attempts the bulk write, then the row-by-row fallback, then requeue.
func (c *batchConsumer[T]) flushSafe(ctx context.Context, batch []T) {
	if len(batch) == 0 {
		return
	}

	err := c.bulk(ctx, batch)
	if err == nil {
		c.metrics.WorkerRows(c.name, "ok", len(batch))
		if c.done != nil {
			c.done(ctx, batch)
		}
		return
	}
	c.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk write failed, attempting row-by-row recovery")

	written := make([]T, 0, len(batch))
	var requeue []T
	for _, item := range batch {
		if err := c.single(ctx, item); err != nil {
			c.log.Error().Err(err).Msg("Single write failed, requeueing")
			requeue = append(requeue, item)
			continue
		}
		written = append(written, item)
	}
	c.metrics.WorkerRows(c.name, "ok", len(written))
	if len(written) > 0 && c.done != nil {
		c.done(ctx, written)
	}
	if len(requeue) > 0 {
		c.requeue(ctx, requeue)
	}
}

func (c *batchConsumer[T]) requeue(ctx context.Context, items []T) {
	pipe := c.rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, c.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		c.metrics.WorkerRows(c.name, "lost", len(items))
		return
	}
	c.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	c.metrics.WorkerRows(c.name, "requeued", len(items))
	// Back off so a database outage does not spin the queue.
	sleep(ctx, c.requeueDelay)
}

func (c *batchConsumer[T]) shutdown(buffer []T) {
	c.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		c.flushSafe(shutdownCtx, buffer)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
