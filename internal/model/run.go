package model

import "time"

// RunState is the externally visible state of a screening run.
type RunState string

const (
	StatePending      RunState = "pending"
	StateScreening    RunState = "screening"
	StateManualReview RunState = "manual_review"
	StateApproved     RunState = "approved"
	StateRejected     RunState = "rejected"
	StateFailed       RunState = "failed"
)

// Terminal reports whether no further transition can occur. ManualReview is
// terminal-pending: the pipeline is done but an external decision resolves it.
func (s RunState) Terminal() bool {
	return s == StateApproved || s == StateRejected || s == StateFailed
}

// validTransitions enumerates the state machine. Anything not listed here is
// an invalid transition.
var validTransitions = map[RunState][]RunState{
	StatePending:      {StateScreening},
	StateScreening:    {StateApproved, StateRejected, StateFailed, StateManualReview},
	StateManualReview: {StateApproved, StateRejected},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to RunState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FailureReason distinguishes why a run ended in StateFailed.
type FailureReason string

const (
	FailureNone             FailureReason = ""
	FailureStageExhausted   FailureReason = "stage_exhausted"
	FailureNoVerdicts       FailureReason = "no_verdicts"
	FailureCancelled        FailureReason = "cancelled"
	FailureDeadlineExceeded FailureReason = "deadline_exceeded"
)

// ManualDecision records a human resolution of a manual-review run.
type ManualDecision struct {
	Approve   bool      `json:"approve"`
	Reviewer  string    `json:"reviewer,omitempty"`
	Note      string    `json:"note,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Run is the aggregate for one ScreeningRequest. The orchestrator goroutine
// owning the run is its only writer; once the run reaches a terminal state the
// snapshot handed to sinks is read-only.
type Run struct {
	ID            string          `json:"id"`
	Request       ScreeningRequest `json:"request"`
	State         RunState        `json:"state"`
	Verdicts      []StageVerdict  `json:"verdicts,omitempty"`
	FinalRisk     RiskLevel       `json:"final_risk,omitempty"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
	Decision      *ManualDecision `json:"decision,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Verdicts = make([]StageVerdict, len(r.Verdicts))
	copy(cp.Verdicts, r.Verdicts)
	if r.Decision != nil {
		d := *r.Decision
		cp.Decision = &d
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
