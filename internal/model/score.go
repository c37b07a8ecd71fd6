package model

// ScorePreview is a provisional score for immediate feedback. It is never
// the grade of record.
type ScorePreview struct {
	EarnedPoints   float64 `json:"earned_points"`
	PossiblePoints float64 `json:"possible_points"`
	Percentage     float64 `json:"percentage"`
	Correct        int     `json:"correct"`
	Incorrect      int     `json:"incorrect"`
	Unanswered     int     `json:"unanswered"`
	// PendingManual lists short-text and essay questions, which are excluded
	// from the percentage.
	PendingManual       []string `json:"pending_manual"`
	PendingManualPoints float64  `json:"pending_manual_points"`
}
