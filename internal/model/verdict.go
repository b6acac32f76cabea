package model

import "time"

// RiskLevel is the normalized risk contribution of a stage.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Severity orders risk levels for aggregation: high > medium > low.
// Unknown levels rank below low so they never win a tie.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is one of the three recognized levels.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// MaxRisk returns the higher-severity of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// StageOutcome records how a stage execution ended.
type StageOutcome string

const (
	StageSuccess  StageOutcome = "success"
	StageFailed   StageOutcome = "failed"
	StageTimedOut StageOutcome = "timed_out"
)

// StageVerdict is the result of one analyzer invocation. It is created by the
// stage runner and immutable once appended to a run.
type StageVerdict struct {
	Stage      string        `json:"stage"`
	Outcome    StageOutcome  `json:"outcome"`
	Risk       RiskLevel     `json:"risk,omitempty"`
	Confidence float64       `json:"confidence"`
	Rationale  string        `json:"rationale,omitempty"`
	HardBlock  bool          `json:"hard_block,omitempty"`
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsed"`
	Error      string        `json:"error,omitempty"`
}

// Satisfied reports whether the stage produced a usable verdict.
func (v StageVerdict) Satisfied() bool {
	return v.Outcome == StageSuccess
}
