package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/critterchat/critterchat/internal/config"
	"github.com/critterchat/critterchat/internal/conversation"
	"github.com/critterchat/critterchat/internal/dispatch"
	"github.com/critterchat/critterchat/internal/engine"
	"github.com/critterchat/critterchat/internal/guardrails"
	"github.com/critterchat/critterchat/internal/httpapi"
	"github.com/critterchat/critterchat/internal/llm"
	"github.com/critterchat/critterchat/internal/moderation"
	"github.com/critterchat/critterchat/internal/observability"
	"github.com/critterchat/critterchat/internal/prompt"
	"github.com/critterchat/critterchat/internal/reliability"
	"github.com/critterchat/critterchat/internal/rules"
	"github.com/critterchat/critterchat/internal/session"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Engine     *engine.Engine
	Dispatcher *dispatch.Dispatcher
	Metrics    *observability.Metrics
	// ProviderMode reports which chat backend is active ("http" or "mock").
	ProviderMode string

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ruleStore, err := rules.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("rule store init failed: %w", err)
	}
	if cfg.SeedDefaultRules {
		if err := rules.SeedDefaults(ctx, ruleStore); err != nil {
			_ = ruleStore.Close()
			return nil, fmt.Errorf("seed default rules failed: %w", err)
		}
	}

	convoStore, err := conversation.NewStore(ctx, cfg.RedisURL, cfg.DatabaseURL, cfg.RedisSessionTTL)
	if err != nil {
		_ = ruleStore.Close()
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}

	var provider llm.Provider
	providerMode := "mock"
	if strings.TrimSpace(cfg.ProviderBaseURL) != "" {
		provider = llm.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
		providerMode = "http"
	} else {
		provider = llm.NewMockProvider()
	}

	dispatcher := dispatch.New(provider, dispatch.Config{
		Models:               cfg.ProviderModels,
		RPMLimit:             cfg.ProviderRPMLimit,
		MaxRetries:           cfg.ProviderMaxRetries,
		CallTimeout:          cfg.CallTimeout,
		StreamIdleTimeout:    cfg.StreamIdleTimeout,
		BreakerThreshold:     cfg.BreakerThreshold,
		BreakerCooldown:      cfg.BreakerCooldown,
		PrimaryResetCooldown: cfg.PrimaryResetCooldown,
		BackoffBase:          cfg.BackoffBase,
		BackoffCap:           cfg.BackoffCap,
	})
	dispatcher.Breaker().SetTransitionHook(func(_, to reliability.BreakerState) {
		metrics.CircuitState.Set(circuitGaugeValue(to))
	})
	dispatcher.SetErrorHook(func(kind llm.ErrorKind) {
		metrics.ProviderErrors.WithLabelValues(string(kind)).Inc()
	})

	guard := guardrails.NewEngine(ruleStore)
	guard.SetDropHook(func(_ guardrails.DroppedRule) {
		metrics.SecurityEvents.WithLabelValues("rule_conflict_drop").Inc()
	})

	var classifier moderation.Classifier
	if strings.TrimSpace(cfg.ClassifierURL) != "" {
		classifier = moderation.NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierAPIKey, cfg.ClassifierTimeout)
	}
	pipeline := moderation.NewPipeline(guard, classifier)
	pipeline.SetEventHook(func(ev moderation.SecurityEvent) {
		metrics.SecurityEvents.WithLabelValues(ev.Kind).Inc()
	})

	builder := prompt.NewBuilder(convoStore, dispatcher, cfg.ContextTokenCeiling, cfg.ContextRecentTurns, cfg.SummaryModel)
	builder.SetOutlierHook(func(_ prompt.OutlierEvent) {
		metrics.SecurityEvents.WithLabelValues("oversized_turn").Inc()
	})
	builder.SetStrategyHook(func(strategy string) {
		metrics.ContextStrategy.WithLabelValues(strategy).Inc()
	})
	builder.SetSummaryHook(metrics.ObserveSummaryLatency)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetEvictHook(func(_ string) {
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	eng := engine.New(sessions, convoStore, guard, pipeline, builder, dispatcher)
	eng.SetEventHook(func(ev engine.Event) {
		metrics.SecurityEvents.WithLabelValues(ev.Kind).Inc()
	})
	eng.SetStageHook(metrics.ObserveStage)
	eng.SetTurnHook(func(res engine.TurnResult) {
		metrics.Turns.WithLabelValues(turnOutcome(res)).Inc()
		if res.Verdict != "" {
			metrics.ModerationVerdicts.WithLabelValues(string(res.Verdict), "pipeline").Inc()
		}
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, eng, ruleStore, metrics)

	cleanup := func() error {
		var errs []string
		if err := convoStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := ruleStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Engine:       eng,
		Dispatcher:   dispatcher,
		Metrics:      metrics,
		ProviderMode: providerMode,
		Cleanup:      cleanup,
	}, nil
}

func turnOutcome(res engine.TurnResult) string {
	switch {
	case res.Blocked:
		return "blocked"
	case res.Incomplete:
		return "incomplete"
	case res.Degraded:
		return "degraded"
	default:
		return "ok"
	}
}

func circuitGaugeValue(state reliability.BreakerState) float64 {
	switch state {
	case reliability.BreakerOpen:
		return 2
	case reliability.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}
