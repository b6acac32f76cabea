package analyzer

import (
	"context"
	"fmt"
	"math"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/policy"
)

// Rule is the deterministic analyzer: a pure function of the request
// attributes and the configured policy. Same input, same verdict.
type Rule struct {
	policy policy.Policy
}

// NewRule creates a rule analyzer bound to the given policy.
func NewRule(p policy.Policy) *Rule {
	return &Rule{policy: p}
}

// Name implements Strategy.
func (a *Rule) Name() string { return "rule" }

// Evaluate applies the policy rules in precedence order: sanctioned country
// (hard block), very high value, high value, suspicious cross-border purpose,
// structuring band, round amount, else low.
func (a *Rule) Evaluate(_ context.Context, req model.ScreeningRequest) (Finding, error) {
	if a.policy.IsSanctioned(req.CounterpartyCountry) {
		return Finding{
			Risk:       model.RiskHigh,
			Confidence: 1.0,
			HardBlock:  true,
			Rationale:  fmt.Sprintf("counterparty country %s is sanctioned", req.CounterpartyCountry),
		}, nil
	}

	if t := a.policy.VeryHighValueThreshold; t > 0 && req.Amount >= t {
		return Finding{
			Risk:       model.RiskHigh,
			Confidence: 1.0,
			Rationale: fmt.Sprintf("amount %.2f %s at or above very-high-value threshold %.2f",
				req.Amount, req.Currency, t),
		}, nil
	}

	if req.Amount >= a.policy.HighValueThreshold {
		return Finding{
			Risk:       model.RiskHigh,
			Confidence: 0.9,
			Rationale: fmt.Sprintf("amount %.2f %s at or above high-value threshold %.2f",
				req.Amount, req.Currency, a.policy.HighValueThreshold),
		}, nil
	}

	if req.CrossBorder() {
		if kw, ok := a.policy.MatchesKeyword(req.Purpose); ok {
			return Finding{
				Risk:       model.RiskHigh,
				Confidence: 0.9,
				Rationale:  fmt.Sprintf("cross-border payment with suspicious purpose keyword %q", kw),
			}, nil
		}
		if a.policy.IsHighRisk(req.CounterpartyCountry) {
			return Finding{
				Risk:       model.RiskMedium,
				Confidence: 0.8,
				Rationale:  fmt.Sprintf("counterparty country %s is on the elevated-risk list", req.CounterpartyCountry),
			}, nil
		}
	}

	if a.policy.StructuringBand.Contains(req.Amount) {
		return Finding{
			Risk:       model.RiskMedium,
			Confidence: 0.85,
			Rationale: fmt.Sprintf("amount %.2f falls in the just-under-reporting band [%.2f, %.2f)",
				req.Amount, a.policy.StructuringBand.Low, a.policy.StructuringBand.High),
		}, nil
	}

	if isRoundAmount(req.Amount, a.policy.RoundAmountStep) {
		return Finding{
			Risk:       model.RiskMedium,
			Confidence: 0.7,
			Rationale:  fmt.Sprintf("round amount %.2f (multiple of %.0f)", req.Amount, a.policy.RoundAmountStep),
		}, nil
	}

	return Finding{
		Risk:       model.RiskLow,
		Confidence: 0.95,
		Rationale:  "no rule matched",
	}, nil
}

// isRoundAmount reports whether amount is an exact multiple of step.
func isRoundAmount(amount, step float64) bool {
	if step <= 0 || amount <= 0 {
		return false
	}
	rem := math.Mod(amount, step)
	return rem < 0.005 || step-rem < 0.005
}
