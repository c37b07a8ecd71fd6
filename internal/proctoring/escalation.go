package proctoring

import (
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Escalator counts tab switches for one attempt and decides when the count
// warrants a server warning. It never touches attempt status.
type Escalator struct {
	threshold int
	counts    map[model.ProctoringKind]int
}

// NewEscalator returns an Escalator that fires when the tab-switch count
// reaches threshold and on every multiple after that. A threshold <= 0
// disables escalation.
func NewEscalator(threshold int) *Escalator {
	return &Escalator{threshold: threshold, counts: make(map[model.ProctoringKind]int)}
}

// Observe records ev and returns the running count for its kind and whether
// this event crosses an escalation boundary.
func (e *Escalator) Observe(ev model.ProctoringEvent) (int, bool) {
	e.counts[ev.Kind]++
	n := e.counts[ev.Kind]
	if ev.Kind != model.ProctoringKindTabSwitch || e.threshold <= 0 {
		return n, false
	}
	return n, n%e.threshold == 0
}

// Count returns how many events of kind were observed.
func (e *Escalator) Count(kind model.ProctoringKind) int {
	return e.counts[kind]
}
