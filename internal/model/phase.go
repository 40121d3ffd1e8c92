package model

import "github.com/rotisserie/eris"

// Phase identifies a pipeline stage with its own status table.
type Phase string

const (
	PhaseCollect  Phase = "collect"
	PhaseClassify Phase = "classify"
)

// AllPhases returns the phases in pipeline order.
func AllPhases() []Phase {
	return []Phase{PhaseCollect, PhaseClassify}
}

// ParsePhase validates a phase name from user input.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhaseCollect, PhaseClassify:
		return Phase(s), nil
	}
	return "", eris.Errorf("model: unknown phase %q", s)
}

// Status is the lifecycle state of a URL record within one phase. The set is
// closed; storage and workers share these constants.
type Status string

const (
	StatusNew           Status = "new"
	StatusDone          Status = "done"
	StatusFetchError    Status = "fetch_error"
	StatusExtractError  Status = "extract_error"
	StatusClassifyError Status = "classify_error"
)

// ComputeErrorStatus returns the status recorded when the phase's compute
// step (the LLM call and result handling) fails.
func (p Phase) ComputeErrorStatus() Status {
	if p == PhaseClassify {
		return StatusClassifyError
	}
	return StatusExtractError
}

// ErrorStatuses returns the statuses retry-errors mode widens selection to.
func (p Phase) ErrorStatuses() []Status {
	return []Status{StatusFetchError, p.ComputeErrorStatus()}
}

// Statuses returns every status valid for this phase.
func (p Phase) Statuses() []Status {
	return append([]Status{StatusNew, StatusDone}, p.ErrorStatuses()...)
}

// ValidStatus reports whether s belongs to this phase's closed set.
func (p Phase) ValidStatus(s Status) bool {
	for _, v := range p.Statuses() {
		if v == s {
			return true
		}
	}
	return false
}
