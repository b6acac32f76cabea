// Package policy holds the deterministic screening rule set: thresholds,
// keyword lists, and country blocks applied by the rule analyzer.
package policy

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Policy configures the rule analyzer. All matching is case-insensitive.
type Policy struct {
	// HighValueThreshold marks amounts at or above it as high risk.
	HighValueThreshold float64 `yaml:"high_value_threshold"`

	// VeryHighValueThreshold marks amounts at or above it as high risk with
	// full confidence. Must be at least HighValueThreshold when set.
	VeryHighValueThreshold float64 `yaml:"very_high_value_threshold"`

	// SuspiciousKeywords flag a cross-border payment purpose as high risk.
	SuspiciousKeywords []string `yaml:"suspicious_keywords"`

	// SanctionedCountries hard-block a payment outright.
	SanctionedCountries []string `yaml:"sanctioned_countries"`

	// HighRiskCountries raise cross-border payments to medium risk.
	HighRiskCountries []string `yaml:"high_risk_countries"`

	// StructuringBand is the [low, high) amount band just under a reporting
	// threshold; amounts inside it are medium risk (structuring indicator).
	StructuringBand Band `yaml:"structuring_band"`

	// RoundAmountStep flags suspiciously round amounts (exact multiples)
	// as medium risk. Zero disables the check.
	RoundAmountStep float64 `yaml:"round_amount_step"`
}

// Band is a half-open amount interval [Low, High).
type Band struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// Contains reports whether amount falls inside the band. An empty band
// (High <= Low) matches nothing.
func (b Band) Contains(amount float64) bool {
	return b.High > b.Low && amount >= b.Low && amount < b.High
}

// Default returns the built-in rule set used when no policy file is given.
func Default() Policy {
	return Policy{
		HighValueThreshold:     1_000_000,
		VeryHighValueThreshold: 5_000_000,
		SuspiciousKeywords: []string{
			"consulting", "gift", "loan repayment", "crypto", "donation",
			"invoice settlement", "miscellaneous",
		},
		SanctionedCountries: []string{"KP", "IR", "SY", "CU"},
		HighRiskCountries:   []string{"PA", "KY", "VG", "BZ"},
		StructuringBand:     Band{Low: 9_000, High: 10_000},
		RoundAmountStep:     10_000,
	}
}

// Load reads a YAML policy file. Fields left unset fall back to Default().
func Load(path string) (Policy, error) {
	p := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return p, eris.Wrap(err, "policy: read file")
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, eris.Wrap(err, "policy: parse yaml")
	}
	if p.HighValueThreshold <= 0 {
		return p, eris.New("policy: high_value_threshold must be positive")
	}
	if p.VeryHighValueThreshold > 0 && p.VeryHighValueThreshold < p.HighValueThreshold {
		return p, eris.New("policy: very_high_value_threshold below high_value_threshold")
	}
	return p, nil
}

// MatchesKeyword reports whether purpose contains any suspicious keyword.
func (p Policy) MatchesKeyword(purpose string) (string, bool) {
	lower := strings.ToLower(purpose)
	for _, kw := range p.SuspiciousKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// IsSanctioned reports whether country is on the sanctioned list.
func (p Policy) IsSanctioned(country string) bool {
	return containsFold(p.SanctionedCountries, country)
}

// IsHighRisk reports whether country is on the elevated-risk list.
func (p Policy) IsHighRisk(country string) bool {
	return containsFold(p.HighRiskCountries, country)
}

func containsFold(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
