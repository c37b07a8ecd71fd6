package proctoring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// PushMessage is the wire form of a server-pushed proctoring event.
type PushMessage struct {
	AttemptID  uuid.UUID            `json:"attempt_id"`
	Kind       model.ProctoringKind `json:"kind"`
	OccurredAt time.Time            `json:"occurred_at"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
}

// Publisher sends server-side proctoring events to an attempt's push channel.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish encodes msg and publishes it on the attempt's channel. It returns
// the number of subscribers that received it.
func (p *Publisher) Publish(ctx context.Context, msg PushMessage) (int64, error) {
	if !msg.Kind.Valid() {
		return 0, fmt.Errorf("publish proctoring event: unknown kind %q", msg.Kind)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode proctoring event: %w", err)
	}
	return p.rdb.Publish(ctx, config.CacheKey.AttemptProctorChannel(msg.AttemptID.String()), data).Result()
}

// Subscriber feeds an attempt's push channel into its event Channel.
type Subscriber struct {
	rdb *redis.Client
	log zerolog.Logger
	now func() time.Time
}

func NewSubscriber(rdb *redis.Client, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		rdb: rdb,
		log: log.With().Str("component", "proctor_subscriber").Logger(),
		now: time.Now,
	}
}

// Subscribe starts forwarding events for attemptID into ch. It returns once
// the subscription is confirmed by Redis. The returned stop func unsubscribes
// and waits for the forwarding goroutine to exit.
func (s *Subscriber) Subscribe(ctx context.Context, attemptID uuid.UUID, ch *Channel) (func(), error) {
	channelName := config.CacheKey.AttemptProctorChannel(attemptID.String())
	pubsub := s.rdb.Subscribe(ctx, channelName)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channelName, err)
	}

	log := s.log.With().Str("attempt_id", attemptID.String()).Logger()
	msgs := pubsub.Channel()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for msg := range msgs {
			ev, err := s.decode(attemptID, msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("data", msg.Payload).Msg("Discarding malformed proctoring push")
				continue
			}
			if !ch.Push(ev) {
				log.Debug().Msg("Proctoring channel closed, dropping push")
			}
		}
	}()

	stop := func() {
		_ = pubsub.Close()
		<-done
	}
	return stop, nil
}

func (s *Subscriber) decode(attemptID uuid.UUID, raw string) (model.ProctoringEvent, error) {
	var msg PushMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return model.ProctoringEvent{}, err
	}
	if msg.AttemptID != uuid.Nil && msg.AttemptID != attemptID {
		return model.ProctoringEvent{}, fmt.Errorf("attempt mismatch: %s", msg.AttemptID)
	}
	if !msg.Kind.Valid() {
		return model.ProctoringEvent{}, fmt.Errorf("unknown kind %q", msg.Kind)
	}
	occurred := msg.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}
	return model.ProctoringEvent{
		ID:         uuid.New(),
		AttemptID:  attemptID,
		Kind:       msg.Kind,
		Source:     model.ProctoringSourceServer,
		OccurredAt: occurred,
		Payload:    msg.Payload,
	}, nil
}
