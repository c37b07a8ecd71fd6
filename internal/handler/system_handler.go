package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
)

const (
	statusInterval = 7 * time.Second
	pingTimeout    = 2 * time.Second
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// EngineCounter reports how many attempt engines this process holds.
type EngineCounter interface {
	Len() int
}

// SystemHandler serves health checks and streams queue and runtime status.
type SystemHandler struct {
	db        Pinger
	rdb       *redis.Client
	engines   EngineCounter
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(db Pinger, rdb *redis.Client, engines EngineCounter, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		db:        db,
		rdb:       rdb,
		engines:   engines,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

// Health godoc
// GET /health
// Reports 503 when PostgreSQL or Redis is unreachable.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	checks := gin.H{"postgres": "ok", "redis": "ok"}
	healthy := true
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		}
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	if !healthy {
		h.log.Warn().Interface("checks", checks).Msg("Health check failed")
		c.JSON(http.StatusServiceUnavailable, response.Response{
			Data:     gin.H{"status": "degraded", "checks": checks},
			Error:    &response.ErrorBody{Code: response.ErrServiceUnavailable, Message: response.GetMessage(response.ErrServiceUnavailable)},
			Metadata: response.Metadata{Timestamp: time.Now().UTC().Format(time.RFC3339)},
		})
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

type systemStatus struct {
	Timestamp   int64  `json:"timestamp"`
	Uptime      string `json:"uptime"`
	LiveEngines int    `json:"live_engines"`

	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`

	// Worker queue backlog
	QueueAnswers  int64 `json:"queue_answers"`
	QueueEvents   int64 `json:"queue_events"`
	QueueFinalize int64 `json:"queue_finalize"`
	QueueFlags    int64 `json:"queue_flags"`
}

// SystemStatusSSE godoc
// GET /api/v1/admin/system/status
func (h *SystemHandler) SystemStatusSSE(c *gin.Context) {
	reqCtx := c.Request.Context()
	sseHeaders(c)

	h.log.Info().Msg("Admin connected to system status SSE")

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	c.SSEvent("message", h.collect(reqCtx))
	c.Writer.Flush()

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Admin disconnected from system status SSE")
			return
		case <-ticker.C:
			c.SSEvent("message", h.collect(reqCtx))
			c.Writer.Flush()
		}
	}
}

func (h *SystemHandler) collect(ctx context.Context) systemStatus {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := systemStatus{
		Timestamp:  time.Now().Unix(),
		Uptime:     time.Since(h.startTime).Truncate(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		NumGC:      ms.NumGC,
		GoVersion:  runtime.Version(),
	}
	if h.engines != nil {
		s.LiveEngines = h.engines.Len()
	}

	// Pipelined LLEN
	pipe := h.rdb.Pipeline()
	answers := pipe.LLen(ctx, config.WorkerKey.PersistAnswersQueue)
	events := pipe.LLen(ctx, config.WorkerKey.PersistEventsQueue)
	finalize := pipe.LLen(ctx, config.WorkerKey.PersistFinalizeQueue)
	flags := pipe.LLen(ctx, config.WorkerKey.PersistFlagsQueue)
	if _, err := pipe.Exec(ctx); err == nil {
		s.QueueAnswers, _ = answers.Result()
		s.QueueEvents, _ = events.Result()
		s.QueueFinalize, _ = finalize.Result()
		s.QueueFlags, _ = flags.Result()
	}
	return s
}
