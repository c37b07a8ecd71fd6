// Package scoring computes provisional score previews from live responses.
package scoring

import (
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Evaluate scores responses against the questions' answer keys. It has no
// side effects and may be called as often as needed.
//
// Single-select answers are correct when the one selected option is the
// question's correct option. Multi-select answers are correct only when the
// selected set equals the correct set. Short-text and essay questions are not
// scored; they are listed as pending manual grading and left out of the
// percentage.
func Evaluate(responses map[string]model.Response, questions []model.Question) model.ScorePreview {
	preview := model.ScorePreview{PendingManual: []string{}}

	for _, q := range questions {
		if !q.Type.AutoScored() {
			preview.PendingManual = append(preview.PendingManual, q.ID)
			preview.PendingManualPoints += q.MaxPoints()
			continue
		}

		points := q.MaxPoints()
		preview.PossiblePoints += points

		resp, ok := responses[q.ID]
		if !ok || len(resp.Value.Selected) == 0 {
			preview.Unanswered++
			continue
		}

		if isCorrect(q, resp.Value) {
			preview.Correct++
			preview.EarnedPoints += points
		} else {
			preview.Incorrect++
		}
	}

	if preview.PossiblePoints > 0 {
		preview.Percentage = preview.EarnedPoints / preview.PossiblePoints * 100
	}
	return preview
}

func isCorrect(q model.Question, v model.AnswerValue) bool {
	key := q.CorrectOptionIDs()
	switch q.Type {
	case model.QuestionTypeSingleSelect:
		return len(key) == 1 && len(v.Selected) == 1 && v.Selected[0] == key[0]
	case model.QuestionTypeMultiSelect:
		return len(key) > 0 && equalSets(v.Selected, key)
	}
	return false
}

// equalSets compares a and b ignoring order. Duplicates count.
func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
