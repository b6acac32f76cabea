package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/analyzer"
	"github.com/sells-group/screening-cli/internal/event"
	"github.com/sells-group/screening-cli/internal/monitoring"
	"github.com/sells-group/screening-cli/internal/pipeline"
	"github.com/sells-group/screening-cli/internal/policy"
	"github.com/sells-group/screening-cli/internal/review"
	"github.com/sells-group/screening-cli/internal/store"
	anthropicpkg "github.com/sells-group/screening-cli/pkg/anthropic"
	"github.com/sells-group/screening-cli/pkg/notion"
)

// screeningEnv holds the initialized pipeline, event sinks, and store needed
// by the serve/screen commands.
type screeningEnv struct {
	Store        store.Store // nil when the store driver is "none"
	Orchestrator *pipeline.Orchestrator
	Bus          *event.Bus

	recorder  *store.Recorder
	collector *monitoring.Collector
	notifier  *review.Notifier
}

// Close drains the pipeline and the event sinks in dependency order.
func (e *screeningEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Orchestrator.Shutdown(ctx); err != nil {
		zap.L().Warn("pipeline shutdown incomplete", zap.Error(err))
	}
	if e.recorder != nil {
		e.recorder.Stop()
	}
	if e.collector != nil {
		e.collector.Stop()
	}
	if e.notifier != nil {
		e.notifier.Stop()
	}
	e.Bus.Close()
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initScreening validates config for the given mode and assembles the
// analyzers, orchestrator, store, and event sinks. Callers should defer
// env.Close().
func initScreening(ctx context.Context, mode string) (*screeningEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pol, err := loadPolicy()
	if err != nil {
		return nil, err
	}

	stages, err := buildStages(pol)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus()

	orch, err := pipeline.New(pipeline.Config{
		WorkerPoolSize: cfg.Pipeline.WorkerPoolSize,
		RunDeadline:    time.Duration(cfg.Pipeline.RunDeadlineSecs) * time.Second,
		Decision: pipeline.DecisionPolicy{
			AutoApproveMedium: cfg.Pipeline.AutoApproveMedium,
			AutoRejectHigh:    cfg.Pipeline.AutoRejectHigh,
			ManualReview:      cfg.Pipeline.EnableManualReview,
		},
	}, stages, bus)
	if err != nil {
		bus.Close()
		return nil, err
	}

	env := &screeningEnv{Orchestrator: orch, Bus: bus}

	st, err := initStore(ctx)
	if err != nil {
		bus.Close()
		return nil, err
	}
	if st != nil {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			bus.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
		env.Store = st
		env.recorder = store.NewRecorder(bus, st)
	}

	env.collector = monitoring.NewCollector(bus, monitoring.NewMetrics(prometheus.DefaultRegisterer))

	if cfg.Notion.Token != "" {
		notionClient := notion.NewClient(cfg.Notion.Token)
		env.notifier = review.NewNotifier(bus, notionClient, cfg.Notion.ReviewDB)
		zap.L().Info("notion review queue enabled")
	}

	return env, nil
}

// loadPolicy reads the policy file, or falls back to the built-in rule set.
func loadPolicy() (policy.Policy, error) {
	if cfg.Policy.Path == "" {
		return policy.Default(), nil
	}
	pol, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		return pol, eris.Wrapf(err, "load policy %s", cfg.Policy.Path)
	}
	zap.L().Info("policy loaded", zap.String("path", cfg.Policy.Path))
	return pol, nil
}

// buildStages maps the configured analyzer strategy to the stage list. The
// rule stage is required; the model stage is advisory and both can run
// concurrently when combined.
func buildStages(pol policy.Policy) ([]pipeline.StageConfig, error) {
	timeout := time.Duration(cfg.Pipeline.StageTimeoutMs) * time.Millisecond

	ruleStage := pipeline.StageConfig{
		Name:        "rule",
		Strategy:    analyzer.NewRule(pol),
		Timeout:     timeout,
		MaxAttempts: 1,
		Required:    true,
		Independent: true,
	}

	modelStage := func() pipeline.StageConfig {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL)
		return pipeline.StageConfig{
			Name: "external-model",
			Strategy: analyzer.NewModel(client, analyzer.ModelConfig{
				Model:             cfg.Anthropic.Model,
				MaxTokens:         int64(cfg.Anthropic.MaxTokens),
				RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
			}),
			Timeout:     timeout,
			MaxAttempts: cfg.Pipeline.MaxRetries,
			Independent: true,
		}
	}

	switch cfg.Pipeline.AnalyzerStrategy {
	case "rule":
		return []pipeline.StageConfig{ruleStage}, nil
	case "model":
		ms := modelStage()
		ms.Required = true
		return []pipeline.StageConfig{ms}, nil
	case "both":
		return []pipeline.StageConfig{ruleStage, modelStage()}, nil
	default:
		return nil, eris.Errorf("unknown analyzer strategy %q", cfg.Pipeline.AnalyzerStrategy)
	}
}

// initStore opens the configured run-history backend. Driver "none" disables
// persistence.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, eris.Wrap(err, "open sqlite store")
		}
		zap.L().Info("using sqlite store", zap.String("path", cfg.Store.SQLitePath))
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "open postgres store")
		}
		zap.L().Info("using postgres store")
		return st, nil
	case "none":
		zap.L().Warn("run persistence disabled")
		return nil, nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
