package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler streams live proctoring views over SSE.
type MonitorHandler struct {
	manager *session.Manager
	monitor *service.MonitorService
	log     zerolog.Logger

	refreshEvery   time.Duration
	keepAliveEvery time.Duration
}

func NewMonitorHandler(manager *session.Manager, monitor *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		manager:        manager,
		monitor:        monitor,
		log:            log.With().Str("component", "monitor_handler").Logger(),
		refreshEvery:   refreshInterval,
		keepAliveEvery: keepAliveInterval,
	}
}

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
}

// MonitorQuizSSE godoc
// GET /api/v1/admin/quizzes/:id/monitor
// Sends a snapshot of every attempt, then a refresh on each tick.
func (h *MonitorHandler) MonitorQuizSSE(c *gin.Context) {
	quizID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()
	overview, err := h.overview(reqCtx, quizID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	sseHeaders(c)
	c.SSEvent("message", gin.H{"type": "snapshot", "data": overview})
	c.Writer.Flush()

	keepAliveTicker := time.NewTicker(h.keepAliveEvery)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(h.refreshEvery)
	defer refreshTicker.Stop()

	h.log.Info().Str("quiz_id", quizID.String()).Msg("Admin attached to quiz monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("quiz_id", quizID.String()).Msg("Admin disconnected from quiz monitor SSE")
			return

		case <-refreshTicker.C:
			overview, err := h.overview(reqCtx, quizID)
			if err != nil {
				h.log.Warn().Err(err).Msg("Failed to refresh quiz overview")
				continue
			}
			c.SSEvent("message", gin.H{"type": "refresh", "data": overview})
			c.Writer.Flush()

		case <-keepAliveTicker.C:
			c.SSEvent("message", gin.H{"type": "ping"})
			c.Writer.Flush()
		}
	}
}

func (h *MonitorHandler) overview(parent context.Context, quizID uuid.UUID) (*service.QuizOverview, error) {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()
	return h.monitor.QuizOverview(ctx, quizID)
}

// MonitorAttemptSSE godoc
// GET /api/v1/admin/attempts/:id/monitor
// Forwards every engine update of a live attempt.
func (h *MonitorHandler) MonitorAttemptSSE(c *gin.Context) {
	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	e, err := h.manager.Get(attemptID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	updates, unsubscribe := e.Subscribe()
	defer unsubscribe()

	sseHeaders(c)
	reqCtx := c.Request.Context()

	keepAliveTicker := time.NewTicker(h.keepAliveEvery)
	defer keepAliveTicker.Stop()

	h.log.Info().Str("attempt_id", attemptID.String()).Msg("Admin attached to attempt monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			return

		case u, ok := <-updates:
			if !ok {
				c.SSEvent("message", gin.H{"type": "closed"})
				c.Writer.Flush()
				return
			}
			frame, ok := ws.FromUpdate(u)
			if !ok {
				continue
			}
			c.SSEvent("message", frame)
			c.Writer.Flush()

		case <-keepAliveTicker.C:
			c.SSEvent("message", gin.H{"type": "ping"})
			c.Writer.Flush()
		}
	}
}
