package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var fixedNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T) (*RedisGateway, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	g := NewRedisGateway(client, zerolog.Nop())
	g.now = func() time.Time { return fixedNow }
	return g, mr
}

func TestPersistResponseWritesHashAndQueue(t *testing.T) {
	g, mr := newTestGateway(t)
	ctx := context.Background()
	id := uuid.New()

	if err := g.PersistResponse(ctx, id, "q1", model.AnswerValue{Selected: []string{"a"}}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := g.PersistResponse(ctx, id, "q1", model.AnswerValue{Selected: []string{"b"}}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	key := config.CacheKey.AttemptAnswersKey(id.String())
	if !mr.Exists(key) {
		t.Fatalf("expected answers hash %s", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("answers hash has no ttl")
	}

	queued, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued %d jobs, want 2", len(queued))
	}
	var job AnswerJob
	if err := json.Unmarshal([]byte(queued[1]), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.AttemptID != id.String() || job.QuestionID != "q1" || job.Value.Selected[0] != "b" {
		t.Fatalf("unexpected job %+v", job)
	}

	got, err := g.LoadResponses(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r, ok := got["q1"]
	if !ok || r.Value.Selected[0] != "b" {
		t.Fatalf("loaded %+v", got)
	}
	if r.SyncState != model.SyncStateClean || !r.LastModifiedAt.Equal(fixedNow) {
		t.Fatalf("loaded response %+v", r)
	}
}

func TestLoadResponsesSkipsCorruptEntries(t *testing.T) {
	g, mr := newTestGateway(t)
	id := uuid.New()
	key := config.CacheKey.AttemptAnswersKey(id.String())
	mr.HSet(key, "q1", "{not json")
	mr.HSet(key, "q2", `{"value":{"text":"ok"}}`)

	got, err := g.LoadResponses(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got["q2"].Value.Text != "ok" {
		t.Fatalf("loaded %+v", got)
	}
}

type staticResponses map[string]model.Response

func (s staticResponses) ListByAttempt(context.Context, uuid.UUID) (map[string]model.Response, error) {
	return s, nil
}

func TestLoadResponsesPrefersBufferOverDatabase(t *testing.T) {
	g, _ := newTestGateway(t)
	g.WithDurable(staticResponses{
		"q1": {QuestionID: "q1", Value: model.AnswerValue{Text: "old"}},
		"q2": {QuestionID: "q2", Value: model.AnswerValue{Text: "db"}},
	})
	ctx := context.Background()
	id := uuid.New()

	if err := g.PersistResponse(ctx, id, "q1", model.AnswerValue{Text: "new"}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	got, err := g.LoadResponses(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["q1"].Value.Text != "new" || got["q2"].Value.Text != "db" {
		t.Fatalf("loaded %+v", got)
	}
	if got["q2"].SyncState != model.SyncStateClean {
		t.Fatalf("database response sync state = %s", got["q2"].SyncState)
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	g, mr := newTestGateway(t)
	ctx := context.Background()
	id := uuid.New()

	flags, err := g.LoadFlags(ctx, id)
	if err != nil || flags != nil {
		t.Fatalf("missing flags = %v, %v", flags, err)
	}

	if err := g.PersistFlags(ctx, id, []string{"q2", "q4"}); err != nil {
		t.Fatalf("persist flags: %v", err)
	}
	if err := g.PersistFlags(ctx, id, nil); err != nil {
		t.Fatalf("clear flags: %v", err)
	}

	flags, err = g.LoadFlags(ctx, id)
	if err != nil {
		t.Fatalf("load flags: %v", err)
	}
	if flags == nil || len(flags) != 0 {
		t.Fatalf("flags = %v, want empty", flags)
	}

	queued, _ := mr.List(config.WorkerKey.PersistFlagsQueue)
	if len(queued) != 2 {
		t.Fatalf("queued %d flag jobs, want 2", len(queued))
	}
}

func TestRecordEventQueuesInOrder(t *testing.T) {
	g, mr := newTestGateway(t)
	id := uuid.New()
	kinds := []model.ProctoringKind{model.ProctoringKindTabSwitch, model.ProctoringKindDeviceLost}
	for _, k := range kinds {
		ev := model.ProctoringEvent{ID: uuid.New(), AttemptID: id, Kind: k, Source: model.ProctoringSourceLocal, OccurredAt: fixedNow}
		if err := g.RecordEvent(context.Background(), ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	queued, _ := mr.List(config.WorkerKey.PersistEventsQueue)
	if len(queued) != len(kinds) {
		t.Fatalf("queued %d events", len(queued))
	}
	for i, raw := range queued {
		var ev model.ProctoringEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Kind != kinds[i] {
			t.Fatalf("event %d kind = %s, want %s", i, ev.Kind, kinds[i])
		}
	}
}

func TestAttemptFinishedQueuesFinalizeJob(t *testing.T) {
	g, mr := newTestGateway(t)
	finished := fixedNow.Add(time.Minute)
	attempt := model.ExamAttempt{ID: uuid.New(), Status: model.AttemptStatusExpired, FinishedAt: &finished}
	res := model.SubmissionResult{
		AttemptID:    attempt.ID,
		SubmissionID: "sub-1",
		Status:       model.AttemptStatusExpired,
		Cause:        model.SubmitCauseTimer,
		Unconfirmed:  []string{"q3"},
		Preview:      model.ScorePreview{Percentage: 50},
	}

	if err := g.AttemptFinished(context.Background(), attempt, res); err != nil {
		t.Fatalf("finish: %v", err)
	}

	queued, _ := mr.List(config.WorkerKey.PersistFinalizeQueue)
	if len(queued) != 1 {
		t.Fatalf("queued %d finalize jobs", len(queued))
	}
	var job FinalizeJob
	if err := json.Unmarshal([]byte(queued[0]), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != model.AttemptStatusExpired || job.Cause != model.SubmitCauseTimer || job.Score != 50 {
		t.Fatalf("job = %+v", job)
	}
	if !job.FinishedAt.Equal(finished) || len(job.Unconfirmed) != 1 {
		t.Fatalf("job = %+v", job)
	}
}

func TestClearDropsBuffers(t *testing.T) {
	g, mr := newTestGateway(t)
	ctx := context.Background()
	id := uuid.New()
	_ = g.PersistResponse(ctx, id, "q1", model.AnswerValue{Text: "x"})
	_ = g.PersistFlags(ctx, id, []string{"q1"})

	if err := g.Clear(ctx, id); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if mr.Exists(config.CacheKey.AttemptAnswersKey(id.String())) || mr.Exists(config.CacheKey.AttemptFlagsKey(id.String())) {
		t.Fatalf("buffers survived clear")
	}
}
