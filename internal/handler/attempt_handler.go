package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// AttemptHandler handles participant-facing attempt endpoints. Every
// mutation goes through the attempt's engine.
type AttemptHandler struct {
	manager *session.Manager
	log     zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(manager *session.Manager, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		manager: manager,
		log:     log.With().Str("component", "attempt_handler").Logger(),
	}
}

// StartAttempt godoc
// POST /api/v1/participant/quizzes/:quiz_id/attempts
// Starts an attempt, or resumes the participant's attempt in progress.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.StartAttemptRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	e, err := h.manager.Start(c.Request.Context(), quizID, claims.Subject, req.Password)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"paper": e.Paper(),
		"state": e.CurrentState(),
	})
}

// GetAttemptState godoc
// GET /api/v1/participant/attempts/:id
// Returns the current attempt snapshot, including the remaining time.
func (h *AttemptHandler) GetAttemptState(c *gin.Context) {
	e, ok := h.ownedEngine(c)
	if !ok {
		return
	}

	st, err := e.State(c.Request.Context())
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, st)
}

// GetAttemptPaper godoc
// GET /api/v1/participant/attempts/:id/paper
// Returns the questions without answer keys.
func (h *AttemptHandler) GetAttemptPaper(c *gin.Context) {
	e, ok := h.ownedEngine(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, e.Paper())
}

// SaveAnswer godoc
// PUT /api/v1/participant/attempts/:id/answers
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	e, ok := h.ownedEngine(c)
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	h.dispatch(c, e, session.AnswerIntent{QuestionID: req.QuestionID, Value: req.Value})
}

// Navigate godoc
// POST /api/v1/participant/attempts/:id/navigate
func (h *AttemptHandler) Navigate(c *gin.Context) {
	e, ok := h.ownedEngine(c)
	if !ok {
		return
	}

	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	h.dispatch(c, e, session.NavigateIntent{Index: *req.Index})
}

// ToggleFlag godoc
// POST /api/v1/participant/attempts/:id/flags
func (h *AttemptHandler) ToggleFlag(c *gin.Context) {
	e, ok := h.ownedEngine(c)
	if !ok {
		return
	}

	var req model.ToggleFlagRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	h.dispatch(c, e, session.ToggleFlagIntent{QuestionID: req.QuestionID})
}

// ReportEvent godoc
// POST /api/v1/participant/attempts/:id/events
// Accepts a locally observed proctoring signal.
func (h *AttemptHandler) ReportEvent(c *gin.Context) {
	e, ok := h.ownedEngine(c)
	if !ok {
		return
	}

	var req model.ReportEventRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := e.ReportEvent(req.Kind, req.OccurredAt, req.Payload); err != nil {
		failWith(c, h.log, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{})
}

// SubmitAttempt godoc
// POST /api/v1/participant/attempts/:id/submit
// Submits the attempt and waits for the outcome. Repeated calls return the
// same result.
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	e, ok := h.ownedEngine(c)
	if !ok {
		return
	}

	res, err := e.Submit(c.Request.Context())
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": res})
}

func (h *AttemptHandler) dispatch(c *gin.Context, e *session.Engine, in session.Intent) {
	if err := e.Dispatch(c.Request.Context(), in); err != nil {
		failWith(c, h.log, err)
		return
	}
	st, err := e.State(c.Request.Context())
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, st)
}

// ownedEngine resolves :id to the caller's live engine. Other participants'
// attempts are reported as not found.
func (h *AttemptHandler) ownedEngine(c *gin.Context) (*session.Engine, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}

	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, false
	}

	e, err := h.manager.GetOwned(attemptID, claims.Subject)
	if err != nil {
		failWith(c, h.log, err)
		return nil, false
	}
	return e, true
}
