// Package analyzer defines the pluggable analysis strategies a screening
// stage can be bound to: a deterministic rule engine and an external
// language-model classifier.
package analyzer

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screening-cli/internal/model"
)

// Finding is the normalized substance of a verdict, before the stage runner
// wraps it with outcome and timing.
type Finding struct {
	Risk       model.RiskLevel
	Confidence float64
	Rationale  string
	HardBlock  bool
}

// Strategy evaluates one screening request. Implementations must be safe for
// concurrent use.
type Strategy interface {
	// Name identifies the strategy in verdicts and logs.
	Name() string

	// Evaluate analyzes the request and returns a finding. Failures are
	// reported through the package error taxonomy: ErrUnavailable and
	// ErrTimeout are transient; ErrInvalidResponse is not.
	Evaluate(ctx context.Context, req model.ScreeningRequest) (Finding, error)
}

// Error taxonomy for analyzer failures. The stage runner translates these
// into verdict outcomes; they never escape the pipeline.
var (
	// ErrUnavailable means the external service could not be reached.
	ErrUnavailable = eris.New("analyzer unavailable")

	// ErrTimeout means the analyzer did not answer within the stage timeout.
	ErrTimeout = eris.New("analyzer timeout")

	// ErrInvalidResponse means the service answered but the response could
	// not be parsed into a verdict. Retrying is pointless.
	ErrInvalidResponse = eris.New("analyzer returned an unparseable response")
)
