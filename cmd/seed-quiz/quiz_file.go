package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// quizFile is the YAML layout accepted by seed-quiz.
type quizFile struct {
	ID                    uuid.UUID        `yaml:"id"`
	Title                 string           `yaml:"title"`
	TimeLimit             string           `yaml:"time_limit"`
	Password              string           `yaml:"password"`
	AllowMultipleAttempts bool             `yaml:"allow_multiple_attempts"`
	MaxAttempts           int              `yaml:"max_attempts"`
	Published             bool             `yaml:"published"`
	Questions             []model.Question `yaml:"questions"`

	timeLimitSeconds int
}

func decodeQuiz(r io.Reader) (*quizFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var q quizFile
	if err := dec.Decode(&q); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

func (q *quizFile) validate() error {
	if q.ID == uuid.Nil {
		return errors.New("id is required")
	}
	if q.Title == "" {
		return errors.New("title is required")
	}

	d, err := time.ParseDuration(q.TimeLimit)
	if err != nil {
		return fmt.Errorf("time_limit: %w", err)
	}
	if d < time.Minute {
		return fmt.Errorf("time_limit %s is shorter than a minute", d)
	}
	q.timeLimitSeconds = int(d.Seconds())

	if len(q.Questions) == 0 {
		return errors.New("at least one question is required")
	}
	seen := make(map[string]bool, len(q.Questions))
	for i, qs := range q.Questions {
		if qs.ID == "" {
			return fmt.Errorf("question %d: id is required", i+1)
		}
		if seen[qs.ID] {
			return fmt.Errorf("question %s: duplicate id", qs.ID)
		}
		seen[qs.ID] = true

		if !qs.Type.Valid() {
			return fmt.Errorf("question %s: unknown type %q", qs.ID, qs.Type)
		}
		if !qs.Type.AutoScored() {
			if len(qs.Options) > 0 {
				return fmt.Errorf("question %s: %s questions take no options", qs.ID, qs.Type)
			}
			continue
		}
		if len(qs.Options) < 2 {
			return fmt.Errorf("question %s: needs at least two options", qs.ID)
		}
		correct := len(qs.CorrectOptionIDs())
		if correct == 0 {
			return fmt.Errorf("question %s: no correct option", qs.ID)
		}
		if qs.Type == model.QuestionTypeSingleSelect && correct > 1 {
			return fmt.Errorf("question %s: single select with %d correct options", qs.ID, correct)
		}
	}
	return nil
}

func (q *quizFile) toModel() *model.Quiz {
	return &model.Quiz{
		ID:                    q.ID,
		Title:                 q.Title,
		TimeLimitSeconds:      q.timeLimitSeconds,
		AllowMultipleAttempts: q.AllowMultipleAttempts,
		MaxAttempts:           q.MaxAttempts,
		Published:             q.Published,
		Questions:             q.Questions,
	}
}
