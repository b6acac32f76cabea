package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/currency"
)

// ScreeningRequest is the immutable input to a screening run. It is created
// once by the intake layer and never mutated by the pipeline.
type ScreeningRequest struct {
	EntityID            string    `json:"entity_id"`
	Amount              float64   `json:"amount"`
	Currency            string    `json:"currency"`
	SenderName          string    `json:"sender_name,omitempty"`
	SenderAccount       string    `json:"sender_account,omitempty"`
	CounterpartyName    string    `json:"counterparty_name,omitempty"`
	CounterpartyAccount string    `json:"counterparty_account,omitempty"`
	CounterpartyCountry string    `json:"counterparty_country,omitempty"`
	HomeCountry         string    `json:"home_country,omitempty"`
	Purpose             string    `json:"purpose,omitempty"`
	SubmittedAt         time.Time `json:"submitted_at"`
}

// CrossBorder reports whether the payment leaves the sender's home country.
// Unknown countries are treated as domestic.
func (r ScreeningRequest) CrossBorder() bool {
	if r.CounterpartyCountry == "" || r.HomeCountry == "" {
		return false
	}
	return !strings.EqualFold(r.CounterpartyCountry, r.HomeCountry)
}

// AttributeError describes a single malformed attribute.
type AttributeError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// InvalidAttributesError rejects a submission before it enters screening.
// It is reported synchronously to the caller.
type InvalidAttributesError struct {
	Violations []AttributeError
}

func (e *InvalidAttributesError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Reason
	}
	return "invalid attributes: " + strings.Join(parts, "; ")
}

const maxPurposeLen = 2000

// Validate checks the request attributes. It returns an
// *InvalidAttributesError listing every violation, or nil.
func (r ScreeningRequest) Validate() error {
	var violations []AttributeError

	if strings.TrimSpace(r.EntityID) == "" {
		violations = append(violations, AttributeError{Field: "entity_id", Reason: "must not be empty"})
	}
	if r.Amount <= 0 {
		violations = append(violations, AttributeError{Field: "amount", Reason: fmt.Sprintf("must be positive, got %v", r.Amount)})
	}
	if r.Currency == "" {
		violations = append(violations, AttributeError{Field: "currency", Reason: "must not be empty"})
	} else if _, err := currency.ParseISO(r.Currency); err != nil {
		violations = append(violations, AttributeError{Field: "currency", Reason: "not a valid ISO 4217 code: " + r.Currency})
	}
	if r.CounterpartyCountry != "" && !isCountryCode(r.CounterpartyCountry) {
		violations = append(violations, AttributeError{Field: "counterparty_country", Reason: "must be a two-letter country code"})
	}
	if r.HomeCountry != "" && !isCountryCode(r.HomeCountry) {
		violations = append(violations, AttributeError{Field: "home_country", Reason: "must be a two-letter country code"})
	}
	if len(r.Purpose) > maxPurposeLen {
		violations = append(violations, AttributeError{Field: "purpose", Reason: fmt.Sprintf("exceeds %d characters", maxPurposeLen)})
	}

	if len(violations) > 0 {
		return &InvalidAttributesError{Violations: violations}
	}
	return nil
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range s {
		if !unicode.IsLetter(c) {
			return false
		}
	}
	return true
}
