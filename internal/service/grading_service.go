package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
)

type SubmissionStore interface {
	CreateOrGet(ctx context.Context, attemptID uuid.UUID, final []model.Response, unconfirmed []string) (uuid.UUID, error)
}

// GradingService records final submissions for grading. Resubmitting an
// attempt returns the submission stored the first time.
type GradingService struct {
	submissions SubmissionStore
	log         zerolog.Logger
}

func NewGradingService(submissions SubmissionStore, log zerolog.Logger) *GradingService {
	return &GradingService{
		submissions: submissions,
		log:         log.With().Str("component", "grading_service").Logger(),
	}
}

func (s *GradingService) SubmitAttempt(ctx context.Context, attemptID uuid.UUID, final []model.Response, unconfirmed []string) (string, error) {
	id, err := s.submissions.CreateOrGet(ctx, attemptID, final, unconfirmed)
	if err != nil {
		return "", fmt.Errorf("store submission: %w", err)
	}
	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("submission_id", id.String()).
		Int("responses", len(final)).
		Int("unconfirmed", len(unconfirmed)).
		Msg("Submission recorded")
	return id.String(), nil
}
