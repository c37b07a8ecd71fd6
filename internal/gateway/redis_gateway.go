// Package gateway is the Redis write-behind layer between attempt engines and
// PostgreSQL. Writes land in Redis synchronously and are queued for the
// background workers that batch them into the database.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultBufferTTL is how long autosave buffers outlive their last write.
const DefaultBufferTTL = 24 * time.Hour

// RedisGateway implements the session persistence, resume, event sink and
// finalizer collaborators.
type RedisGateway struct {
	rdb     *redis.Client
	durable DurableResponses
	log     zerolog.Logger
	ttl     time.Duration
	now     func() time.Time
}

// DurableResponses reads answers the autosave worker already wrote to the
// database.
type DurableResponses interface {
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) (map[string]model.Response, error)
}

func NewRedisGateway(rdb *redis.Client, log zerolog.Logger) *RedisGateway {
	return &RedisGateway{
		rdb: rdb,
		log: log.With().Str("component", "redis_gateway").Logger(),
		ttl: DefaultBufferTTL,
		now: time.Now,
	}
}

// WithDurable makes LoadResponses fall back to the database for questions
// whose Redis buffer has expired.
func (g *RedisGateway) WithDurable(store DurableResponses) *RedisGateway {
	g.durable = store
	return g
}

// PersistResponse stores the answer in the attempt's hash and queues it for
// the database in one transaction.
func (g *RedisGateway) PersistResponse(ctx context.Context, attemptID uuid.UUID, questionID string, value model.AnswerValue) error {
	now := g.now()
	stored, err := json.Marshal(storedAnswer{Value: value, ModifiedAt: now})
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	job, err := json.Marshal(AnswerJob{
		AttemptID:  attemptID.String(),
		QuestionID: questionID,
		Value:      value,
		SavedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("encode answer job: %w", err)
	}

	key := config.CacheKey.AttemptAnswersKey(attemptID.String())
	_, err = g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, questionID, stored)
		pipe.Expire(ctx, key, g.ttl)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, job)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist response %s: %w", questionID, err)
	}
	return nil
}

// PersistFlags replaces the attempt's flag set and queues it.
func (g *RedisGateway) PersistFlags(ctx context.Context, attemptID uuid.UUID, flagged []string) error {
	if flagged == nil {
		flagged = []string{}
	}
	now := g.now()
	stored, err := json.Marshal(flagged)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	job, err := json.Marshal(FlagsJob{AttemptID: attemptID.String(), Flagged: flagged, SavedAt: now})
	if err != nil {
		return fmt.Errorf("encode flags job: %w", err)
	}

	_, err = g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, config.CacheKey.AttemptFlagsKey(attemptID.String()), stored, g.ttl)
		pipe.RPush(ctx, config.WorkerKey.PersistFlagsQueue, job)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist flags: %w", err)
	}
	return nil
}

// LoadResponses returns the autosaved answers of an attempt.
func (g *RedisGateway) LoadResponses(ctx context.Context, attemptID uuid.UUID) (map[string]model.Response, error) {
	raw, err := g.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attemptID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	out := make(map[string]model.Response, len(raw))
	if g.durable != nil {
		saved, err := g.durable.ListByAttempt(ctx, attemptID)
		if err != nil {
			return nil, fmt.Errorf("load durable responses: %w", err)
		}
		for qid, r := range saved {
			r.SyncState = model.SyncStateClean
			out[qid] = r
		}
	}
	for qid, data := range raw {
		var s storedAnswer
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			g.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Str("question_id", qid).Msg("Skipping corrupt autosave entry")
			continue
		}
		out[qid] = model.Response{
			QuestionID:     qid,
			Value:          s.Value,
			LastModifiedAt: s.ModifiedAt,
			SyncState:      model.SyncStateClean,
		}
	}
	return out, nil
}

// LoadFlags returns the autosaved flag set of an attempt.
func (g *RedisGateway) LoadFlags(ctx context.Context, attemptID uuid.UUID) ([]string, error) {
	data, err := g.rdb.Get(ctx, config.CacheKey.AttemptFlagsKey(attemptID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	var flags []string
	if err := json.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}
	return flags, nil
}

// RecordEvent queues a proctoring event for the events worker.
func (g *RedisGateway) RecordEvent(ctx context.Context, ev model.ProctoringEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode proctoring event: %w", err)
	}
	if err := g.rdb.RPush(ctx, config.WorkerKey.PersistEventsQueue, data).Err(); err != nil {
		return fmt.Errorf("queue proctoring event: %w", err)
	}
	return nil
}

// AttemptFinished queues the terminal outcome for the finalize worker.
func (g *RedisGateway) AttemptFinished(ctx context.Context, attempt model.ExamAttempt, res model.SubmissionResult) error {
	finished := res.SubmittedAt
	if attempt.FinishedAt != nil {
		finished = *attempt.FinishedAt
	}
	data, err := json.Marshal(FinalizeJob{
		AttemptID:    attempt.ID.String(),
		Status:       res.Status,
		Cause:        res.Cause,
		SubmissionID: res.SubmissionID,
		Score:        res.Preview.Percentage,
		Unconfirmed:  res.Unconfirmed,
		FinishedAt:   finished,
	})
	if err != nil {
		return fmt.Errorf("encode finalize job: %w", err)
	}
	if err := g.rdb.RPush(ctx, config.WorkerKey.PersistFinalizeQueue, data).Err(); err != nil {
		return fmt.Errorf("queue finalize job: %w", err)
	}
	return nil
}

// Clear drops an attempt's autosave buffers once they are durable.
func (g *RedisGateway) Clear(ctx context.Context, attemptID uuid.UUID) error {
	id := attemptID.String()
	return g.rdb.Del(ctx, config.CacheKey.AttemptAnswersKey(id), config.CacheKey.AttemptFlagsKey(id)).Err()
}
