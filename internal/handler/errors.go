package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// classify maps attempt and quiz errors to an HTTP status and error code.
func classify(err error) (int, response.ErrCode) {
	var submitErr *session.TerminalSubmissionFailure

	switch {
	case errors.Is(err, session.ErrAttemptNotFound), errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrAttemptNotFound
	case errors.Is(err, session.ErrAttemptClosed):
		return http.StatusConflict, response.ErrAttemptClosed
	case errors.Is(err, session.ErrAttemptNotStarted):
		return http.StatusConflict, response.ErrAttemptNotStarted
	case errors.Is(err, session.ErrUnknownQuestion):
		return http.StatusBadRequest, response.ErrUnknownQuestion
	case errors.Is(err, session.ErrMalformedAnswer):
		return http.StatusBadRequest, response.ErrMalformedAnswer
	case errors.Is(err, session.ErrUnknownEventKind):
		return http.StatusBadRequest, response.ErrUnknownEventKind
	case errors.Is(err, session.ErrInvalidIntent):
		return http.StatusBadRequest, response.ErrInvalidIntent

	case errors.Is(err, service.ErrQuizNotFound):
		return http.StatusNotFound, response.ErrQuizNotFound
	case errors.Is(err, service.ErrQuizNotAvailable):
		return http.StatusForbidden, response.ErrQuizNotAvailable
	case errors.Is(err, service.ErrNoQuestions):
		return http.StatusConflict, response.ErrNoQuestions
	case errors.Is(err, service.ErrInvalidQuizPassword):
		return http.StatusForbidden, response.ErrInvalidQuizPassword
	case errors.Is(err, service.ErrAttemptLimitReached):
		return http.StatusConflict, response.ErrAttemptLimitReached

	case errors.As(err, &submitErr):
		return http.StatusBadGateway, response.ErrSubmitFailed
	case errors.Is(err, session.ErrEngineStopped),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, response.ErrServiceUnavailable
	}
	return http.StatusInternalServerError, response.ErrInternal
}

// failWith writes the response for err, logging it when it is unexpected.
func failWith(c *gin.Context, log zerolog.Logger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	response.Fail(c, status, code)
}
