package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/screening-cli/internal/analyzer"
	"github.com/sells-group/screening-cli/internal/model"
)

type scriptedStrategy struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, call int) (analyzer.Finding, error)
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Evaluate(ctx context.Context, _ model.ScreeningRequest) (analyzer.Finding, error) {
	return s.fn(ctx, int(s.calls.Add(1)))
}

func stageReq() model.ScreeningRequest {
	return model.ScreeningRequest{EntityID: "acct-1", Amount: 100, Currency: "USD"}
}

func TestExecuteStageSuccess(t *testing.T) {
	st := StageConfig{
		Name: "rule",
		Strategy: &scriptedStrategy{name: "rule", fn: func(context.Context, int) (analyzer.Finding, error) {
			return analyzer.Finding{Risk: model.RiskLow, Confidence: 0.95, Rationale: "clean"}, nil
		}},
	}

	v := executeStage(context.Background(), st, stageReq())
	assert.Equal(t, model.StageSuccess, v.Outcome)
	assert.Equal(t, model.RiskLow, v.Risk)
	assert.Equal(t, 1, v.Attempts)
	assert.Empty(t, v.Error)
}

func TestExecuteStageRetriesUnavailable(t *testing.T) {
	st := StageConfig{
		Name:        "external-model",
		MaxAttempts: 3,
		Strategy: &scriptedStrategy{name: "m", fn: func(_ context.Context, call int) (analyzer.Finding, error) {
			if call < 3 {
				return analyzer.Finding{}, analyzer.ErrUnavailable
			}
			return analyzer.Finding{Risk: model.RiskMedium, Confidence: 0.7}, nil
		}},
	}

	v := executeStage(context.Background(), st, stageReq())
	assert.Equal(t, model.StageSuccess, v.Outcome)
	assert.Equal(t, 3, v.Attempts)
}

func TestExecuteStageExhaustsRetryBudget(t *testing.T) {
	strategy := &scriptedStrategy{name: "m", fn: func(context.Context, int) (analyzer.Finding, error) {
		return analyzer.Finding{}, analyzer.ErrUnavailable
	}}
	st := StageConfig{Name: "external-model", MaxAttempts: 2, Strategy: strategy}

	v := executeStage(context.Background(), st, stageReq())
	assert.Equal(t, model.StageFailed, v.Outcome)
	assert.Equal(t, 2, v.Attempts)
	assert.Equal(t, int32(2), strategy.calls.Load())
	assert.NotEmpty(t, v.Error)
}

func TestExecuteStageInvalidResponseNotRetried(t *testing.T) {
	strategy := &scriptedStrategy{name: "m", fn: func(context.Context, int) (analyzer.Finding, error) {
		return analyzer.Finding{}, errors.Join(analyzer.ErrInvalidResponse, errors.New("no JSON"))
	}}
	st := StageConfig{Name: "external-model", MaxAttempts: 5, Strategy: strategy}

	v := executeStage(context.Background(), st, stageReq())
	assert.Equal(t, model.StageFailed, v.Outcome)
	assert.Equal(t, 1, v.Attempts, "deterministic failures are not retried")
}

func TestExecuteStageTimeout(t *testing.T) {
	st := StageConfig{
		Name:        "slow",
		Timeout:     20 * time.Millisecond,
		MaxAttempts: 2,
		Strategy: &scriptedStrategy{name: "slow", fn: func(ctx context.Context, _ int) (analyzer.Finding, error) {
			<-ctx.Done()
			return analyzer.Finding{}, ctx.Err()
		}},
	}

	v := executeStage(context.Background(), st, stageReq())
	assert.Equal(t, model.StageTimedOut, v.Outcome)
	assert.Equal(t, 2, v.Attempts, "timeouts are transient and retried")
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(analyzer.ErrUnavailable))
	assert.True(t, retryable(analyzer.ErrTimeout))
	assert.False(t, retryable(analyzer.ErrInvalidResponse))
	assert.False(t, retryable(errors.Join(analyzer.ErrInvalidResponse, errors.New("cause"))))
	assert.False(t, retryable(errors.New("some other failure")))
}

func TestGroupStages(t *testing.T) {
	mk := func(name string, independent bool) StageConfig {
		return StageConfig{Name: name, Independent: independent}
	}

	groups := groupStages([]StageConfig{
		mk("a", true), mk("b", true), mk("c", false), mk("d", true), mk("e", false),
	})

	var shape [][]string
	for _, g := range groups {
		var names []string
		for _, st := range g {
			names = append(names, st.Name)
		}
		shape = append(shape, names)
	}
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}, {"e"}}, shape)
}
