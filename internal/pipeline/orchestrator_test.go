package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/screening-cli/internal/analyzer"
	"github.com/sells-group/screening-cli/internal/event"
	"github.com/sells-group/screening-cli/internal/model"
)

func fixed(name string, f analyzer.Finding) StageConfig {
	return StageConfig{
		Name:        name,
		MaxAttempts: 1,
		Independent: true,
		Strategy: &scriptedStrategy{name: name, fn: func(context.Context, int) (analyzer.Finding, error) {
			return f, nil
		}},
	}
}

func broken(name string) StageConfig {
	return StageConfig{
		Name:        name,
		MaxAttempts: 1,
		Independent: true,
		Strategy: &scriptedStrategy{name: name, fn: func(context.Context, int) (analyzer.Finding, error) {
			return analyzer.Finding{}, analyzer.ErrUnavailable
		}},
	}
}

func blocking(name string, release chan struct{}) StageConfig {
	return StageConfig{
		Name:        name,
		MaxAttempts: 1,
		Independent: true,
		Timeout:     5 * time.Second,
		Strategy: &scriptedStrategy{name: name, fn: func(ctx context.Context, _ int) (analyzer.Finding, error) {
			select {
			case <-release:
				return analyzer.Finding{Risk: model.RiskLow, Confidence: 1}, nil
			case <-ctx.Done():
				return analyzer.Finding{}, ctx.Err()
			}
		}},
	}
}

func newOrchestrator(t *testing.T, cfg Config, stages ...StageConfig) (*Orchestrator, <-chan event.Event) {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(bus.Close)

	events, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	orch, err := New(cfg, stages, bus)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return orch, events
}

func submitReq(entity string) model.ScreeningRequest {
	return model.ScreeningRequest{EntityID: entity, Amount: 100, Currency: "USD"}
}

// waitCompleted drains events until the run's RunCompleted arrives.
func waitCompleted(t *testing.T, events <-chan event.Event, runID string) *model.Run {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == event.RunCompleted && ev.RunID == runID {
				require.NotNil(t, ev.Run)
				return ev.Run
			}
		case <-deadline:
			t.Fatalf("run %s did not complete", runID)
		}
	}
}

// waitState drains events until the run transitions into want.
func waitState(t *testing.T, events <-chan event.Event, runID string, want model.RunState) event.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == event.RunTransitioned && ev.RunID == runID && ev.To == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("run %s never reached %s", runID, want)
		}
	}
}

func TestRunApproved(t *testing.T) {
	orch, events := newOrchestrator(t, Config{},
		fixed("rule", analyzer.Finding{Risk: model.RiskLow, Confidence: 0.95}))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	run := waitCompleted(t, events, runID)
	assert.Equal(t, model.StateApproved, run.State)
	assert.Equal(t, model.RiskLow, run.FinalRisk)
	assert.Empty(t, run.FailureReason)
	require.Len(t, run.Verdicts, 1)
	assert.Equal(t, model.StageSuccess, run.Verdicts[0].Outcome)
	require.NotNil(t, run.CompletedAt)
}

func TestRunAggregatesMaxSeverity(t *testing.T) {
	orch, events := newOrchestrator(t, Config{Decision: DecisionPolicy{ManualReview: true}},
		fixed("rule", analyzer.Finding{Risk: model.RiskLow, Confidence: 0.95}),
		fixed("external-model", analyzer.Finding{Risk: model.RiskHigh, Confidence: 0.8}),
	)

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	ev := waitState(t, events, runID, model.StateManualReview)
	require.NotNil(t, ev.Run, "manual-review transition carries a snapshot")
	assert.Equal(t, model.RiskHigh, ev.Run.FinalRisk)
	assert.Len(t, ev.Run.Verdicts, 2)
}

func TestRunEventOrdering(t *testing.T) {
	orch, events := newOrchestrator(t, Config{},
		fixed("rule", analyzer.Finding{Risk: model.RiskLow, Confidence: 0.95}))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	var seen []event.Type
	deadline := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.RunID != runID {
				continue
			}
			seen = append(seen, ev.Type)
			done = ev.Type == event.RunCompleted
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}

	assert.Equal(t, []event.Type{
		event.RunStarted,
		event.RunTransitioned, // pending -> screening
		event.StageCompleted,
		event.RunTransitioned, // screening -> approved
		event.RunCompleted,
	}, seen)
}

func TestRequiredStageFailureFailsRun(t *testing.T) {
	req := broken("rule")
	req.Required = true
	orch, events := newOrchestrator(t, Config{}, req,
		fixed("external-model", analyzer.Finding{Risk: model.RiskLow, Confidence: 0.9}))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	run := waitCompleted(t, events, runID)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.FailureStageExhausted, run.FailureReason)
	assert.Empty(t, run.FinalRisk)
}

func TestOptionalStageFailureDropsOut(t *testing.T) {
	orch, events := newOrchestrator(t, Config{},
		fixed("rule", analyzer.Finding{Risk: model.RiskLow, Confidence: 0.95}),
		broken("external-model"))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	run := waitCompleted(t, events, runID)
	assert.Equal(t, model.StateApproved, run.State, "optional failure only drops the verdict")
	assert.Len(t, run.Verdicts, 2)
}

func TestAllStagesFailedNoVerdicts(t *testing.T) {
	orch, events := newOrchestrator(t, Config{}, broken("a"), broken("b"))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	run := waitCompleted(t, events, runID)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.FailureNoVerdicts, run.FailureReason)
}

func TestHardBlockRejects(t *testing.T) {
	orch, events := newOrchestrator(t, Config{Decision: DecisionPolicy{ManualReview: true}},
		fixed("rule", analyzer.Finding{Risk: model.RiskHigh, Confidence: 1, HardBlock: true}))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	run := waitCompleted(t, events, runID)
	assert.Equal(t, model.StateRejected, run.State)
	assert.Equal(t, model.RiskHigh, run.FinalRisk)
}

func TestSubmitValidatesRequest(t *testing.T) {
	orch, _ := newOrchestrator(t, Config{},
		fixed("rule", analyzer.Finding{Risk: model.RiskLow, Confidence: 1}))

	_, err := orch.Submit(model.ScreeningRequest{})
	var invalid *model.InvalidAttributesError
	assert.ErrorAs(t, err, &invalid)
}

func TestDuplicateEntityRejectedWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	orch, events := newOrchestrator(t, Config{}, blocking("slow", release))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	_, err = orch.Submit(submitReq("acct-1"))
	assert.ErrorIs(t, err, ErrRunInFlight)

	// A different entity is unaffected.
	otherID, err := orch.Submit(submitReq("acct-2"))
	require.NoError(t, err)

	close(release)
	waitCompleted(t, events, runID)
	waitCompleted(t, events, otherID)

	// Once the run completed the entity is free again.
	_, err = orch.Submit(submitReq("acct-1"))
	assert.NoError(t, err)
}

func TestManualReviewLifecycle(t *testing.T) {
	orch, events := newOrchestrator(t, Config{Decision: DecisionPolicy{ManualReview: true}},
		fixed("rule", analyzer.Finding{Risk: model.RiskHigh, Confidence: 0.9}))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)
	waitState(t, events, runID, model.StateManualReview)

	// The entity stays blocked while the run awaits review.
	_, err = orch.Submit(submitReq("acct-1"))
	assert.ErrorIs(t, err, ErrRunInFlight)

	// Review runs cannot be cancelled, only resolved.
	assert.ErrorIs(t, orch.Cancel(runID), ErrInvalidTransition)

	run, err := orch.Resolve(runID, true, "alex", "counterparty verified")
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, run.State)
	require.NotNil(t, run.Decision)
	assert.True(t, run.Decision.Approve)
	assert.Equal(t, "alex", run.Decision.Reviewer)

	final := waitCompleted(t, events, runID)
	assert.Equal(t, model.StateApproved, final.State)

	// Resolution released the entity.
	_, err = orch.Submit(submitReq("acct-1"))
	assert.NoError(t, err)

	// The resolved run no longer exists here.
	_, err = orch.Resolve(runID, false, "alex", "")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestConcurrentResolvesSingleWinner(t *testing.T) {
	orch, events := newOrchestrator(t, Config{Decision: DecisionPolicy{ManualReview: true}},
		fixed("rule", analyzer.Finding{Risk: model.RiskHigh, Confidence: 0.9}))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)
	waitState(t, events, runID, model.StateManualReview)

	// Conflicting reviewers race; exactly one decision may take effect and
	// the losers must be told so.
	type result struct {
		approve bool
		run     *model.Run
		err     error
	}
	results := make(chan result, 8)
	for i := 0; i < 8; i++ {
		approve := i%2 == 0
		go func() {
			run, err := orch.Resolve(runID, approve, "reviewer", "")
			results <- result{approve: approve, run: run, err: err}
		}()
	}

	wins := 0
	for i := 0; i < 8; i++ {
		res := <-results
		if res.err != nil {
			continue
		}
		wins++
		require.NotNil(t, res.run.Decision)
		assert.Equal(t, res.approve, res.run.Decision.Approve)
		assert.Equal(t, res.approve, res.run.State == model.StateApproved)
	}
	assert.Equal(t, 1, wins)

	// The frozen record never carries a decision contradicting its state.
	final := waitCompleted(t, events, runID)
	require.NotNil(t, final.Decision)
	assert.Equal(t, final.Decision.Approve, final.State == model.StateApproved)
}

func TestCancelRacingReviewPark(t *testing.T) {
	for i := 0; i < 25; i++ {
		orch, events := newOrchestrator(t, Config{Decision: DecisionPolicy{ManualReview: true}},
			fixed("rule", analyzer.Finding{Risk: model.RiskMedium, Confidence: 0.8}))

		runID, err := orch.Submit(submitReq("acct-1"))
		require.NoError(t, err)

		cancelErr := make(chan error, 1)
		go func() { cancelErr <- orch.Cancel(runID) }()

		if err := <-cancelErr; err == nil {
			// Cancel won the race: the run must fail, never park.
			run := waitCompleted(t, events, runID)
			assert.Equal(t, model.StateFailed, run.State)
			assert.Equal(t, model.FailureCancelled, run.FailureReason)
		} else {
			// The park won: the run awaits review and Cancel said so.
			assert.ErrorIs(t, err, ErrInvalidTransition)
			waitState(t, events, runID, model.StateManualReview)
			_, err := orch.Resolve(runID, false, "reviewer", "")
			require.NoError(t, err)
			waitCompleted(t, events, runID)
		}
	}
}

func TestResolveRejectsRunNotAwaitingReview(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	orch, _ := newOrchestrator(t, Config{}, blocking("slow", release))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	_, err = orch.Resolve(runID, true, "alex", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelRun(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	orch, events := newOrchestrator(t, Config{}, blocking("slow", release))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	// Wait for the run to be actively screening before cancelling.
	waitState(t, events, runID, model.StateScreening)
	require.NoError(t, orch.Cancel(runID))

	run := waitCompleted(t, events, runID)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.FailureCancelled, run.FailureReason)

	assert.ErrorIs(t, orch.Cancel("unknown"), ErrRunNotFound)
}

func TestRunDeadlineWithRequiredVerdictDecides(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rule := fixed("rule", analyzer.Finding{Risk: model.RiskLow, Confidence: 0.95})
	rule.Required = true

	orch, events := newOrchestrator(t,
		Config{RunDeadline: 150 * time.Millisecond},
		rule, blocking("slow", release))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	run := waitCompleted(t, events, runID)
	assert.Equal(t, model.StateApproved, run.State, "deadline aggregates over existing verdicts")
}

func TestRunDeadlineMissingRequiredFails(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := blocking("slow", release)
	slow.Required = true

	orch, events := newOrchestrator(t, Config{RunDeadline: 100 * time.Millisecond}, slow)

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	run := waitCompleted(t, events, runID)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.FailureDeadlineExceeded, run.FailureReason)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	stage := func(name string) StageConfig {
		return StageConfig{
			Name:        name,
			MaxAttempts: 1,
			Independent: true,
			Strategy: &scriptedStrategy{name: name, fn: func(context.Context, int) (analyzer.Finding, error) {
				cur := active.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				defer active.Add(-1)
				time.Sleep(30 * time.Millisecond)
				return analyzer.Finding{Risk: model.RiskLow, Confidence: 1}, nil
			}},
		}
	}

	orch, events := newOrchestrator(t, Config{WorkerPoolSize: 2},
		stage("a"), stage("b"), stage("c"), stage("d"))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)
	waitCompleted(t, events, runID)

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestShutdownRejectsNewSubmissions(t *testing.T) {
	orch, _ := newOrchestrator(t, Config{},
		fixed("rule", analyzer.Finding{Risk: model.RiskLow, Confidence: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, orch.Shutdown(ctx))

	_, err := orch.Submit(submitReq("acct-1"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestGetRunAndActiveRuns(t *testing.T) {
	release := make(chan struct{})
	orch, events := newOrchestrator(t, Config{}, blocking("slow", release))

	runID, err := orch.Submit(submitReq("acct-1"))
	require.NoError(t, err)

	run, ok := orch.GetRun(runID)
	require.True(t, ok)
	assert.Equal(t, "acct-1", run.Request.EntityID)
	assert.Len(t, orch.ActiveRuns(), 1)

	close(release)
	waitCompleted(t, events, runID)

	_, ok = orch.GetRun(runID)
	assert.False(t, ok, "completed runs leave the orchestrator")
	assert.Empty(t, orch.ActiveRuns())
}

func TestNewRejectsBadStageLists(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	_, err := New(Config{}, nil, bus)
	assert.Error(t, err)

	_, err = New(Config{}, []StageConfig{{Name: "x"}}, bus)
	assert.Error(t, err, "stage without strategy")

	ok := fixed("dup", analyzer.Finding{Risk: model.RiskLow})
	_, err = New(Config{}, []StageConfig{ok, ok}, bus)
	assert.Error(t, err, "duplicate stage name")
}
