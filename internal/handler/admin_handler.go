package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctoring"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

type WarningPublisher interface {
	Publish(ctx context.Context, msg proctoring.PushMessage) (int64, error)
}

type QuizCache interface {
	GetQuiz(ctx context.Context, id uuid.UUID) (*model.Quiz, error)
	InvalidateQuiz(ctx context.Context, id uuid.UUID) error
}

// AdminHandler handles proctor actions on attempts.
type AdminHandler struct {
	manager   *session.Manager
	monitor   *service.MonitorService
	auth      *service.AuthService
	quizzes   QuizCache
	publisher WarningPublisher
	log       zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(
	manager *session.Manager,
	monitor *service.MonitorService,
	auth *service.AuthService,
	quizzes QuizCache,
	publisher WarningPublisher,
	log zerolog.Logger,
) *AdminHandler {
	return &AdminHandler{
		manager:   manager,
		monitor:   monitor,
		auth:      auth,
		quizzes:   quizzes,
		publisher: publisher,
		log:       log.With().Str("component", "admin_handler").Logger(),
	}
}

// ListQuizAttempts godoc
// GET /api/v1/admin/quizzes/:id/attempts
func (h *AdminHandler) ListQuizAttempts(c *gin.Context) {
	quizID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	overview, err := h.monitor.QuizOverview(c.Request.Context(), quizID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, overview)
}

// GetAttemptEvents godoc
// GET /api/v1/admin/attempts/:id/events
func (h *AdminHandler) GetAttemptEvents(c *gin.Context) {
	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	events, err := h.monitor.AttemptEvents(c.Request.Context(), attemptID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	if events == nil {
		events = []model.ProctoringEvent{}
	}
	response.Success(c, http.StatusOK, gin.H{"events": events})
}

// AbortAttempt godoc
// POST /api/v1/admin/attempts/:id/abort
// Ends a live attempt. Its responses are kept but it is not graded.
func (h *AdminHandler) AbortAttempt(c *gin.Context) {
	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.AbortAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.manager.Abort(c.Request.Context(), attemptID, req.Reason)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	adminID := ""
	if claims := middleware.GetClaims(c); claims != nil {
		adminID = claims.Subject
	}
	h.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("admin_id", adminID).
		Str("reason", req.Reason).
		Msg("Attempt aborted by proctor")

	response.Success(c, http.StatusOK, gin.H{"result": res})
}

// PushWarning godoc
// POST /api/v1/admin/attempts/:id/warnings
// Publishes a server warning to the attempt's push channel.
func (h *AdminHandler) PushWarning(c *gin.Context) {
	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.PushWarningRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	payload, _ := json.Marshal(gin.H{"message": req.Message})
	delivered, err := h.publisher.Publish(c.Request.Context(), proctoring.PushMessage{
		AttemptID:  attemptID,
		Kind:       model.ProctoringKindServerWarning,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	// No engine anywhere is subscribed to this attempt.
	if delivered == 0 {
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"delivered": delivered})
}

// ResetParticipantSession godoc
// POST /api/v1/admin/participants/:id/reset-session
// Logs the participant out of every device.
func (h *AdminHandler) ResetParticipantSession(c *gin.Context) {
	participantID := c.Param("id")
	if participantID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.auth.ResetParticipantSession(c.Request.Context(), participantID); err != nil {
		failWith(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// RefreshQuizCache godoc
// POST /api/v1/admin/quizzes/:id/refresh-cache
// Drops the cached quiz and loads it again from the database.
func (h *AdminHandler) RefreshQuizCache(c *gin.Context) {
	quizID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.quizzes.InvalidateQuiz(c.Request.Context(), quizID); err != nil {
		failWith(c, h.log, err)
		return
	}
	quiz, err := h.quizzes.GetQuiz(c.Request.Context(), quizID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"quiz_id": quiz.ID, "question_count": len(quiz.Questions)})
}
