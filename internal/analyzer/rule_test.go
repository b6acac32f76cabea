package analyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/policy"
)

func routinePayment() model.ScreeningRequest {
	return model.ScreeningRequest{
		EntityID:            "acct-1",
		Amount:              1234.56,
		Currency:            "USD",
		CounterpartyCountry: "US",
		HomeCountry:         "US",
		Purpose:             "office supplies",
	}
}

func evalRule(t *testing.T, req model.ScreeningRequest) Finding {
	t.Helper()
	f, err := NewRule(policy.Default()).Evaluate(context.Background(), req)
	require.NoError(t, err)
	return f
}

func TestRuleRoutinePaymentIsLow(t *testing.T) {
	f := evalRule(t, routinePayment())
	assert.Equal(t, model.RiskLow, f.Risk)
	assert.False(t, f.HardBlock)
}

func TestRuleSanctionedCountryHardBlocks(t *testing.T) {
	req := routinePayment()
	req.CounterpartyCountry = "IR"

	f := evalRule(t, req)
	assert.Equal(t, model.RiskHigh, f.Risk)
	assert.True(t, f.HardBlock)
	assert.InDelta(t, 1.0, f.Confidence, 0.001)
}

func TestRuleSanctionedBeatsEveryOtherRule(t *testing.T) {
	// Sanctioned counterparty on an otherwise high-value keyword payment.
	req := routinePayment()
	req.CounterpartyCountry = "KP"
	req.Amount = 5_000_000
	req.Purpose = "crypto consulting"

	f := evalRule(t, req)
	assert.True(t, f.HardBlock)
	assert.Contains(t, f.Rationale, "sanctioned")
}

func TestRuleHighValue(t *testing.T) {
	req := routinePayment()
	req.Amount = 1_000_000

	f := evalRule(t, req)
	assert.Equal(t, model.RiskHigh, f.Risk)
	assert.False(t, f.HardBlock)
}

func TestRuleVeryHighValue(t *testing.T) {
	req := routinePayment()
	req.Amount = 5_000_000

	f := evalRule(t, req)
	assert.Equal(t, model.RiskHigh, f.Risk)
	assert.InDelta(t, 1.0, f.Confidence, 0.001)
	assert.Contains(t, f.Rationale, "very-high-value")
}

func TestRuleJustBelowHighValueThreshold(t *testing.T) {
	req := routinePayment()
	req.Amount = 999_999.99

	f := evalRule(t, req)
	assert.NotEqual(t, model.RiskHigh, f.Risk)
}

func TestRuleCrossBorderSuspiciousKeyword(t *testing.T) {
	req := routinePayment()
	req.CounterpartyCountry = "DE"
	req.Purpose = "Consulting fees March"

	f := evalRule(t, req)
	assert.Equal(t, model.RiskHigh, f.Risk)
	assert.Contains(t, f.Rationale, "consulting")
}

func TestRuleDomesticKeywordNotFlagged(t *testing.T) {
	req := routinePayment()
	req.Purpose = "consulting fees"

	f := evalRule(t, req)
	assert.Equal(t, model.RiskLow, f.Risk, "keywords only matter cross-border")
}

func TestRuleCrossBorderHighRiskCountry(t *testing.T) {
	req := routinePayment()
	req.CounterpartyCountry = "KY"

	f := evalRule(t, req)
	assert.Equal(t, model.RiskMedium, f.Risk)
}

func TestRuleStructuringBand(t *testing.T) {
	req := routinePayment()
	req.Amount = 9_500

	f := evalRule(t, req)
	assert.Equal(t, model.RiskMedium, f.Risk)
	assert.Contains(t, f.Rationale, "band")
}

func TestRuleRoundAmount(t *testing.T) {
	req := routinePayment()
	req.Amount = 40_000

	f := evalRule(t, req)
	assert.Equal(t, model.RiskMedium, f.Risk)
	assert.Contains(t, f.Rationale, "round")
}

func TestRuleDeterministic(t *testing.T) {
	req := routinePayment()
	req.Amount = 9_999
	first := evalRule(t, req)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, evalRule(t, req))
	}
}

func TestIsRoundAmount(t *testing.T) {
	assert.True(t, isRoundAmount(50_000, 10_000))
	assert.False(t, isRoundAmount(50_001, 10_000))
	assert.False(t, isRoundAmount(50_000, 0), "zero step disables the check")
	assert.True(t, isRoundAmount(29_999.999, 10_000), "tolerates float noise")
}
