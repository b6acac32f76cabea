// Package pipeline implements the screening pipeline: a state-machine
// orchestrator that drives analyzer stages over a bounded worker pool,
// aggregates their verdicts into a risk classification, and emits lifecycle
// events for external consumers.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/event"
	"github.com/sells-group/screening-cli/internal/model"
)

var (
	// ErrRunInFlight rejects a submission while the same entity already has
	// a non-terminal run.
	ErrRunInFlight = eris.New("a screening run is already in flight for this entity")

	// ErrRunNotFound means the run is unknown to the orchestrator (it may
	// have completed and been handed off to the store).
	ErrRunNotFound = eris.New("run not found")

	// ErrInvalidTransition rejects an external operation that is not valid
	// from the run's current state. The run is left unchanged.
	ErrInvalidTransition = eris.New("invalid state transition")

	// ErrShuttingDown rejects submissions during shutdown.
	ErrShuttingDown = eris.New("orchestrator is shutting down")
)

// Config controls orchestrator-wide behavior. Per-stage settings live in
// StageConfig.
type Config struct {
	// WorkerPoolSize bounds concurrent analyzer calls across all runs.
	// Default: 4.
	WorkerPoolSize int

	// RunDeadline optionally bounds a whole run. On expiry the run is
	// aggregated over whatever verdicts exist, with missing optional stages
	// treated as failed. Zero disables the deadline.
	RunDeadline time.Duration

	// Decision maps aggregated risk to run outcomes.
	Decision DecisionPolicy
}

// Orchestrator owns every run's lifecycle. Each run is mutated only by its
// own goroutine (or, for manual review, by Resolve under the run lock);
// stage completions arrive as messages, never as direct mutations.
type Orchestrator struct {
	cfg      Config
	stages   []StageConfig
	required map[string]bool
	bus      *event.Bus

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// sem is the bounded worker pool; one slot per in-flight analyzer call.
	sem chan struct{}

	mu       sync.Mutex
	byEntity map[string]*runHandle
	byID     map[string]*runHandle
	closed   bool

	wg sync.WaitGroup
}

// runHandle pairs a run with its cancel func. The handle lock guards the
// run record; only the run's goroutine (and Resolve, once the pipeline is
// done) mutates it, readers take snapshots. cancelled marks a successful
// Cancel so the pipeline's own outcome cannot overtake it.
type runHandle struct {
	mu        sync.Mutex
	run       *model.Run
	cancel    context.CancelFunc
	cancelled bool
}

func (h *runHandle) snapshot() *model.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.Clone()
}

// New creates an orchestrator over the given ordered stage list.
func New(cfg Config, stages []StageConfig, bus *event.Bus) (*Orchestrator, error) {
	if len(stages) == 0 {
		return nil, eris.New("pipeline: at least one stage is required")
	}
	required := make(map[string]bool, len(stages))
	for _, st := range stages {
		if st.Name == "" || st.Strategy == nil {
			return nil, eris.New("pipeline: every stage needs a name and a strategy")
		}
		if _, dup := required[st.Name]; dup {
			return nil, eris.Errorf("pipeline: duplicate stage name %q", st.Name)
		}
		required[st.Name] = st.Required
	}

	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		stages:     stages,
		required:   required,
		bus:        bus,
		baseCtx:    ctx,
		baseCancel: cancel,
		sem:        make(chan struct{}, poolSize),
		byEntity:   make(map[string]*runHandle),
		byID:       make(map[string]*runHandle),
	}, nil
}

// Submit validates the request and schedules a screening run, returning the
// run ID immediately. Malformed attributes and duplicate in-flight entities
// are reported synchronously; everything else arrives via the event stream.
func (o *Orchestrator) Submit(req model.ScreeningRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:        uuid.NewString(),
		Request:   req,
		State:     model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if o.cfg.RunDeadline > 0 {
		runCtx, cancel = context.WithTimeout(o.baseCtx, o.cfg.RunDeadline)
	} else {
		runCtx, cancel = context.WithCancel(o.baseCtx)
	}
	h := &runHandle{run: run, cancel: cancel}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	if _, inFlight := o.byEntity[req.EntityID]; inFlight {
		o.mu.Unlock()
		cancel()
		return "", ErrRunInFlight
	}
	o.byEntity[req.EntityID] = h
	o.byID[run.ID] = h
	o.mu.Unlock()

	o.bus.Publish(event.Event{
		Type:     event.RunStarted,
		RunID:    run.ID,
		EntityID: req.EntityID,
		Time:     now,
	})

	o.wg.Add(1)
	go o.execute(runCtx, h)

	return run.ID, nil
}

// execute drives one run from Screening to an outcome. It is the run's
// single writer.
func (o *Orchestrator) execute(ctx context.Context, h *runHandle) {
	defer o.wg.Done()
	defer h.cancel()

	run := h.run
	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("entity", run.Request.EntityID),
	)
	log.Info("screening started",
		zap.Float64("amount", run.Request.Amount),
		zap.String("currency", run.Request.Currency),
	)

	o.transition(h, model.StateScreening)

	// Stage goroutines deliver verdicts here; the buffer holds every
	// possible result so a late completion after cancellation never blocks.
	results := make(chan model.StageVerdict, len(o.stages))

	requiredFailed := false
	interrupted := false

groups:
	for _, group := range groupStages(o.stages) {
		for _, st := range group {
			go o.runStage(ctx, st, run.Request, results)
		}

		for received := 0; received < len(group); received++ {
			select {
			case verdict := <-results:
				o.appendVerdict(h, verdict)
				if !verdict.Satisfied() && o.required[verdict.Stage] {
					requiredFailed = true
				}
			case <-ctx.Done():
				interrupted = true
				break groups
			}
		}

		if requiredFailed {
			break
		}
	}

	o.conclude(ctx, h, log, requiredFailed, interrupted)
}

// conclude computes the run's outcome and hands the frozen record to sinks.
func (o *Orchestrator) conclude(ctx context.Context, h *runHandle, log *zap.Logger, requiredFailed, interrupted bool) {
	h.mu.Lock()
	verdicts := make([]model.StageVerdict, len(h.run.Verdicts))
	copy(verdicts, h.run.Verdicts)
	h.mu.Unlock()

	var (
		next   model.RunState
		risk   model.RiskLevel
		reason model.FailureReason
	)

	switch {
	case interrupted && ctx.Err() == context.Canceled:
		next, reason = model.StateFailed, model.FailureCancelled

	case requiredFailed:
		next, reason = model.StateFailed, model.FailureStageExhausted

	case interrupted:
		// Deadline: aggregate over whatever verdicts exist. A required
		// stage without a verdict still fails the run.
		if o.missingRequired(verdicts) {
			next, reason = model.StateFailed, model.FailureDeadlineExceeded
			break
		}
		fallthrough

	default:
		var err error
		next, risk, err = Decide(verdicts, o.cfg.Decision)
		if err != nil {
			next, reason = model.StateFailed, model.FailureNoVerdicts
		}
	}

	next, risk, reason = o.finalize(h, next, risk, reason)

	if next == model.StateManualReview {
		log.Info("screening awaiting manual review", zap.String("risk", string(risk)))
		return
	}
	o.complete(h)
	log.Info("screening complete",
		zap.String("state", string(next)),
		zap.String("risk", string(risk)),
		zap.String("failure_reason", string(reason)),
	)
}

// finalize applies the run's outcome and emits RunTransitioned. The cancel
// check and the state change share one critical section with Cancel's guard,
// so a run whose Cancel succeeded never parks or completes normally.
func (o *Orchestrator) finalize(h *runHandle, next model.RunState, risk model.RiskLevel, reason model.FailureReason) (model.RunState, model.RiskLevel, model.FailureReason) {
	h.mu.Lock()
	if h.cancelled && next != model.StateFailed {
		next, risk, reason = model.StateFailed, "", model.FailureCancelled
	}
	from := h.run.State
	h.run.State = next
	h.run.FinalRisk = risk
	h.run.FailureReason = reason
	h.run.UpdatedAt = time.Now().UTC()
	run := h.run
	// Entering manual review hands consumers a snapshot: the pipeline may
	// hold the run for a long time before a human resolves it.
	var snapshot *model.Run
	if next == model.StateManualReview {
		snapshot = run.Clone()
	}
	h.mu.Unlock()

	o.bus.Publish(event.Event{
		Type:     event.RunTransitioned,
		RunID:    run.ID,
		EntityID: run.Request.EntityID,
		Time:     time.Now().UTC(),
		From:     from,
		To:       next,
		Run:      snapshot,
	})
	return next, risk, reason
}

// missingRequired reports whether any required stage has no verdict at all.
func (o *Orchestrator) missingRequired(verdicts []model.StageVerdict) bool {
	seen := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		seen[v.Stage] = true
	}
	for name, req := range o.required {
		if req && !seen[name] {
			return true
		}
	}
	return false
}

// runStage acquires a worker slot, executes the stage, and reports back.
// If the run is cancelled first, the stage is abandoned.
func (o *Orchestrator) runStage(ctx context.Context, st StageConfig, req model.ScreeningRequest, results chan<- model.StageVerdict) {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-o.sem }()

	results <- executeStage(ctx, st, req)
}

// appendVerdict records a stage result in completion order and emits
// StageCompleted. Aggregation is order-independent, so completion order
// carries no semantic weight.
func (o *Orchestrator) appendVerdict(h *runHandle, verdict model.StageVerdict) {
	h.mu.Lock()
	h.run.Verdicts = append(h.run.Verdicts, verdict)
	h.run.UpdatedAt = time.Now().UTC()
	run := h.run
	h.mu.Unlock()

	v := verdict
	o.bus.Publish(event.Event{
		Type:     event.StageCompleted,
		RunID:    run.ID,
		EntityID: run.Request.EntityID,
		Time:     time.Now().UTC(),
		Verdict:  &v,
	})
}

// transition applies a state change under the run lock and emits
// RunTransitioned. Illegal internal transitions indicate a bug; they are
// logged and dropped rather than corrupting the run.
func (o *Orchestrator) transition(h *runHandle, to model.RunState) {
	h.mu.Lock()
	from := h.run.State
	if !model.CanTransition(from, to) {
		h.mu.Unlock()
		zap.L().Error("illegal run transition dropped",
			zap.String("run_id", h.run.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return
	}
	h.run.State = to
	h.run.UpdatedAt = time.Now().UTC()
	run := h.run
	h.mu.Unlock()

	o.bus.Publish(event.Event{
		Type:     event.RunTransitioned,
		RunID:    run.ID,
		EntityID: run.Request.EntityID,
		Time:     time.Now().UTC(),
		From:     from,
		To:       to,
	})
}

// complete freezes the run, publishes RunCompleted with the final snapshot,
// and releases the entity for new submissions. The pipeline holds no
// reference afterwards; persistence belongs to the event consumers.
func (o *Orchestrator) complete(h *runHandle) {
	h.mu.Lock()
	now := time.Now().UTC()
	h.run.CompletedAt = &now
	h.run.UpdatedAt = now
	frozen := h.run.Clone()
	h.mu.Unlock()

	o.mu.Lock()
	if cur, ok := o.byEntity[frozen.Request.EntityID]; ok && cur == h {
		delete(o.byEntity, frozen.Request.EntityID)
	}
	delete(o.byID, frozen.ID)
	o.mu.Unlock()

	o.bus.Publish(event.Event{
		Type:      event.RunCompleted,
		RunID:     frozen.ID,
		EntityID:  frozen.Request.EntityID,
		Time:      now,
		FinalRisk: frozen.FinalRisk,
		Run:       frozen,
	})
}

// Resolve applies a human decision to a manual-review run. It fails with
// ErrInvalidTransition when the run is not awaiting review, leaving the run
// unchanged.
func (o *Orchestrator) Resolve(runID string, approve bool, reviewer, note string) (*model.Run, error) {
	o.mu.Lock()
	h, ok := o.byID[runID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrRunNotFound
	}

	to := model.StateRejected
	if approve {
		to = model.StateApproved
	}

	// The guard, the decision write, and the state change share one critical
	// section: the first resolver wins and later ones observe a terminal
	// state, so a decision can never contradict the final state.
	h.mu.Lock()
	if h.run.State != model.StateManualReview {
		state := h.run.State
		h.mu.Unlock()
		return nil, eris.Wrapf(ErrInvalidTransition, "run %s is %s, not awaiting review", runID, state)
	}
	from := h.run.State
	h.run.Decision = &model.ManualDecision{
		Approve:   approve,
		Reviewer:  reviewer,
		Note:      note,
		DecidedAt: time.Now().UTC(),
	}
	h.run.State = to
	h.run.UpdatedAt = time.Now().UTC()
	run := h.run
	h.mu.Unlock()

	o.bus.Publish(event.Event{
		Type:     event.RunTransitioned,
		RunID:    run.ID,
		EntityID: run.Request.EntityID,
		Time:     time.Now().UTC(),
		From:     from,
		To:       to,
	})
	o.complete(h)

	zap.L().Info("manual review resolved",
		zap.String("run_id", runID),
		zap.Bool("approved", approve),
		zap.String("reviewer", reviewer),
	)
	return h.snapshot(), nil
}

// Cancel withdraws an in-flight run. The run transitions to Failed with
// reason Cancelled; in-flight analyzer calls are abandoned best-effort.
// Manual-review runs cannot be cancelled; they must be resolved.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	h, ok := o.byID[runID]
	o.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}

	// Setting cancelled under the run lock orders Cancel against finalize:
	// either the park/completion happened first and is rejected here, or the
	// flag is seen and the run fails with reason Cancelled.
	h.mu.Lock()
	state := h.run.State
	if state == model.StateManualReview {
		h.mu.Unlock()
		return eris.Wrapf(ErrInvalidTransition, "run %s awaits manual review and must be resolved", runID)
	}
	if state.Terminal() {
		h.mu.Unlock()
		return eris.Wrapf(ErrInvalidTransition, "run %s is already %s", runID, state)
	}
	h.cancelled = true
	h.mu.Unlock()

	h.cancel()
	return nil
}

// GetRun returns a snapshot of a run still owned by the orchestrator.
// Completed runs live in the store, not here.
func (o *Orchestrator) GetRun(runID string) (*model.Run, bool) {
	o.mu.Lock()
	h, ok := o.byID[runID]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	return h.snapshot(), true
}

// ActiveRuns returns snapshots of every non-terminal run.
func (o *Orchestrator) ActiveRuns() []*model.Run {
	o.mu.Lock()
	handles := make([]*runHandle, 0, len(o.byID))
	for _, h := range o.byID {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	runs := make([]*model.Run, 0, len(handles))
	for _, h := range handles {
		runs = append(runs, h.snapshot())
	}
	return runs
}

// Shutdown stops accepting submissions, cancels in-flight runs, and waits
// for run goroutines to finish or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	handles := make([]*runHandle, 0, len(o.byID))
	for _, h := range o.byID {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.baseCancel()
		return nil
	case <-ctx.Done():
		o.baseCancel()
		return eris.Wrap(ctx.Err(), "pipeline: shutdown")
	}
}

// groupStages partitions the ordered stage list into execution groups:
// consecutive independent stages form one concurrent group, and every
// dependent stage runs alone after all earlier groups finished.
func groupStages(stages []StageConfig) [][]StageConfig {
	var groups [][]StageConfig
	for _, st := range stages {
		n := len(groups)
		if st.Independent && n > 0 && groups[n-1][0].Independent {
			groups[n-1] = append(groups[n-1], st)
			continue
		}
		groups = append(groups, []StageConfig{st})
	}
	return groups
}
