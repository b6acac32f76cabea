package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/analyzer"
	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/resilience"
)

// StageConfig binds one pipeline stage to an analyzer strategy.
type StageConfig struct {
	// Name identifies the stage in verdicts and events.
	Name string

	// Strategy performs the analysis.
	Strategy analyzer.Strategy

	// Timeout bounds a single analyzer attempt. Zero falls back to 5s.
	Timeout time.Duration

	// MaxAttempts is the retry budget for transient failures (total
	// attempts, including the first). Zero falls back to 3.
	MaxAttempts int

	// Required stages fail the whole run when they cannot produce a
	// verdict; optional stages only drop out of aggregation.
	Required bool

	// Independent marks the stage as not depending on earlier stages'
	// verdicts. Consecutive independent stages execute concurrently.
	Independent bool
}

func (c StageConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Second
}

func (c StageConfig) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 3
}

// retryable accepts transient analyzer failures: service unreachable or
// timed out. Unparseable responses are deterministic and never retried.
func retryable(err error) bool {
	if errors.Is(err, analyzer.ErrInvalidResponse) {
		return false
	}
	return errors.Is(err, analyzer.ErrUnavailable) ||
		errors.Is(err, analyzer.ErrTimeout) ||
		resilience.IsTransient(err)
}

// executeStage invokes the stage's analyzer with a per-attempt timeout and
// the stage's retry budget, translating any failure into a verdict outcome.
// Analyzer errors never escape as errors.
func executeStage(ctx context.Context, stage StageConfig, req model.ScreeningRequest) model.StageVerdict {
	log := zap.L().With(
		zap.String("entity", req.EntityID),
		zap.String("stage", stage.Name),
		zap.String("analyzer", stage.Strategy.Name()),
	)

	start := time.Now()
	cfg := resilience.RetryConfig{
		MaxAttempts: stage.maxAttempts(),
		ShouldRetry: retryable,
		OnRetry:     resilience.RetryLogger(stage.Name, stage.Strategy.Name()),
	}

	finding, attempts, err := resilience.Do(ctx, cfg, func(ctx context.Context) (analyzer.Finding, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, stage.timeout())
		defer cancel()

		f, evalErr := stage.Strategy.Evaluate(attemptCtx, req)
		if evalErr != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			evalErr = errors.Join(analyzer.ErrTimeout, evalErr)
		}
		return f, evalErr
	})
	elapsed := time.Since(start)

	verdict := model.StageVerdict{
		Stage:    stage.Name,
		Attempts: attempts,
		Elapsed:  elapsed,
	}

	if err != nil {
		verdict.Outcome = model.StageFailed
		if errors.Is(err, analyzer.ErrTimeout) {
			verdict.Outcome = model.StageTimedOut
		}
		verdict.Error = err.Error()
		log.Warn("stage produced no verdict",
			zap.String("outcome", string(verdict.Outcome)),
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return verdict
	}

	verdict.Outcome = model.StageSuccess
	verdict.Risk = finding.Risk
	verdict.Confidence = finding.Confidence
	verdict.Rationale = finding.Rationale
	verdict.HardBlock = finding.HardBlock

	log.Info("stage complete",
		zap.String("risk", string(finding.Risk)),
		zap.Float64("confidence", finding.Confidence),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", elapsed),
	)
	return verdict
}
