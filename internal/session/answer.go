package session

import (
	"fmt"
	"unicode/utf8"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// MaxTextAnswerRunes bounds short text and essay answers.
const MaxTextAnswerRunes = 20000

// normalizeAnswer checks v against the question type and returns the value
// to store. An empty selection or empty text clears the answer.
func normalizeAnswer(q model.Question, v model.AnswerValue) (model.AnswerValue, error) {
	switch q.Type {
	case model.QuestionTypeSingleSelect:
		if v.Text != "" {
			return model.AnswerValue{}, fmt.Errorf("%w: %s takes an option, not text", ErrMalformedAnswer, q.ID)
		}
		if len(v.Selected) > 1 {
			return model.AnswerValue{}, fmt.Errorf("%w: %s accepts one option", ErrMalformedAnswer, q.ID)
		}
		if len(v.Selected) == 1 && !q.HasOption(v.Selected[0]) {
			return model.AnswerValue{}, fmt.Errorf("%w: %s has no option %q", ErrMalformedAnswer, q.ID, v.Selected[0])
		}
		return model.AnswerValue{Selected: cloneOrNil(v.Selected)}, nil

	case model.QuestionTypeMultiSelect:
		if v.Text != "" {
			return model.AnswerValue{}, fmt.Errorf("%w: %s takes options, not text", ErrMalformedAnswer, q.ID)
		}
		seen := make(map[string]struct{}, len(v.Selected))
		for _, id := range v.Selected {
			if !q.HasOption(id) {
				return model.AnswerValue{}, fmt.Errorf("%w: %s has no option %q", ErrMalformedAnswer, q.ID, id)
			}
			if _, dup := seen[id]; dup {
				return model.AnswerValue{}, fmt.Errorf("%w: %s option %q selected twice", ErrMalformedAnswer, q.ID, id)
			}
			seen[id] = struct{}{}
		}
		return model.AnswerValue{Selected: cloneOrNil(v.Selected)}, nil

	case model.QuestionTypeShortText, model.QuestionTypeEssay:
		if len(v.Selected) > 0 {
			return model.AnswerValue{}, fmt.Errorf("%w: %s takes text, not options", ErrMalformedAnswer, q.ID)
		}
		if utf8.RuneCountInString(v.Text) > MaxTextAnswerRunes {
			return model.AnswerValue{}, fmt.Errorf("%w: %s answer too long", ErrMalformedAnswer, q.ID)
		}
		return model.AnswerValue{Text: v.Text}, nil
	}
	return model.AnswerValue{}, fmt.Errorf("%w: %s has unsupported type %q", ErrMalformedAnswer, q.ID, q.Type)
}

func cloneOrNil(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
