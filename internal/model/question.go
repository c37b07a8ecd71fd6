package model

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	QuestionTypeSingleSelect QuestionType = "SINGLE_SELECT"
	QuestionTypeMultiSelect  QuestionType = "MULTI_SELECT"
	QuestionTypeShortText    QuestionType = "SHORT_TEXT"
	QuestionTypeEssay        QuestionType = "ESSAY"
)

// AutoScored reports whether the preview evaluator can score this type.
func (t QuestionType) AutoScored() bool {
	return t == QuestionTypeSingleSelect || t == QuestionTypeMultiSelect
}

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionTypeSingleSelect, QuestionTypeMultiSelect, QuestionTypeShortText, QuestionTypeEssay:
		return true
	}
	return false
}

// Option is one selectable answer. Correct never leaves the server.
type Option struct {
	ID      string `json:"id" yaml:"id"`
	Text    string `json:"text" yaml:"text"`
	Correct bool   `json:"correct,omitempty" yaml:"correct"`
}

// Question is a read-only snapshot taken when the attempt starts.
type Question struct {
	ID      string       `json:"id" yaml:"id"`
	Type    QuestionType `json:"type" yaml:"type"`
	Prompt  string       `json:"prompt" yaml:"prompt"`
	Options []Option     `json:"options,omitempty" yaml:"options"`
	Points  float64      `json:"points" yaml:"points"` // defaults to 1 if zero
}

// MaxPoints returns the points the question is worth.
func (q Question) MaxPoints() float64 {
	if q.Points <= 0 {
		return 1
	}
	return q.Points
}

// HasOption reports whether id is one of the question's options.
func (q Question) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// CorrectOptionIDs returns the IDs flagged correct, in option order.
func (q Question) CorrectOptionIDs() []string {
	ids := make([]string, 0, 1)
	for _, o := range q.Options {
		if o.Correct {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// ForParticipant strips answer keys.
func (q Question) ForParticipant() QuestionForParticipant {
	opts := make([]OptionForParticipant, len(q.Options))
	for i, o := range q.Options {
		opts[i] = OptionForParticipant{ID: o.ID, Text: o.Text}
	}
	return QuestionForParticipant{
		ID:      q.ID,
		Type:    q.Type,
		Prompt:  q.Prompt,
		Options: opts,
		Points:  q.MaxPoints(),
	}
}

// OptionForParticipant is an option without its correctness flag.
type OptionForParticipant struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// QuestionForParticipant is a question without the answer key, sent to participants.
type QuestionForParticipant struct {
	ID      string                 `json:"id"`
	Type    QuestionType           `json:"type"`
	Prompt  string                 `json:"prompt"`
	Options []OptionForParticipant `json:"options,omitempty"`
	Points  float64                `json:"points"`
}
