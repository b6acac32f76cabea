package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/screening-cli/internal/model"
)

// ErrNoVerdicts means aggregation had no successful stage verdict to work
// with; the run transitions to Failed.
var ErrNoVerdicts = eris.New("no successful stage verdicts to aggregate")

// Aggregate combines all successful verdicts into a final risk level using
// maximum-severity precedence. It is order-independent and idempotent:
// permuting or re-running over the same verdict set yields the same level.
// Confidence scores are advisory and never alter the ordering.
func Aggregate(verdicts []model.StageVerdict) (model.RiskLevel, error) {
	final := model.RiskLevel("")
	satisfied := false
	for _, v := range verdicts {
		if !v.Satisfied() {
			continue
		}
		satisfied = true
		final = model.MaxRisk(final, v.Risk)
	}
	if !satisfied {
		return "", ErrNoVerdicts
	}
	return final, nil
}

// DecisionPolicy holds the configuration switches that map an aggregated
// risk level to a run outcome.
type DecisionPolicy struct {
	AutoApproveMedium bool
	AutoRejectHigh    bool
	ManualReview      bool
}

// hardBlocked reports whether any successful verdict fired a hard-block rule.
func hardBlocked(verdicts []model.StageVerdict) bool {
	for _, v := range verdicts {
		if v.Satisfied() && v.HardBlock {
			return true
		}
	}
	return false
}

// Decide maps the aggregated verdict set to the run's next state. A fired
// hard-block rule rejects outright. With manual review disabled, anything
// not auto-approved is rejected (fail closed).
func Decide(verdicts []model.StageVerdict, p DecisionPolicy) (model.RunState, model.RiskLevel, error) {
	risk, err := Aggregate(verdicts)
	if err != nil {
		return model.StateFailed, "", err
	}

	if hardBlocked(verdicts) {
		return model.StateRejected, risk, nil
	}

	switch risk {
	case model.RiskLow:
		return model.StateApproved, risk, nil
	case model.RiskMedium:
		if p.AutoApproveMedium {
			return model.StateApproved, risk, nil
		}
	case model.RiskHigh:
		if p.AutoRejectHigh {
			return model.StateRejected, risk, nil
		}
	}

	if p.ManualReview {
		return model.StateManualReview, risk, nil
	}
	return model.StateRejected, risk, nil
}
