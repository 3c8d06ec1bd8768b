// Package v1 is the JSON HTTP surface over the orchestration core. It
// assembles the routing pipeline, turn executor and session store from
// the instance profile and mounts the API routes on an echo server.
package v1

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/strayhat/switchboard/core/embedding"
	"github.com/strayhat/switchboard/core/executor"
	"github.com/strayhat/switchboard/core/llm"
	"github.com/strayhat/switchboard/core/orchestrator"
	"github.com/strayhat/switchboard/core/registry"
	"github.com/strayhat/switchboard/core/routing"
	"github.com/strayhat/switchboard/core/safety"
	"github.com/strayhat/switchboard/core/session"
	"github.com/strayhat/switchboard/core/telemetry"
	"github.com/strayhat/switchboard/core/tools"
	"github.com/strayhat/switchboard/internal/profile"
	"github.com/strayhat/switchboard/store"
	"github.com/strayhat/switchboard/store/db/postgres"
)

const llmWarmupTimeout = 10 * time.Second

// APIV1Service owns the orchestration core and serves it over HTTP.
type APIV1Service struct {
	Profile      *profile.Profile
	Store        *store.Store
	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	Sessions     *session.Store
	Tools        *tools.Registry
	Metrics      *telemetry.PrometheusExporter
}

// NewAPIV1Service assembles the core from the profile. Missing LLM or
// embedding credentials degrade the pipeline to its lexical and
// deterministic paths instead of failing startup; profile validation has
// already rejected the combinations that must be fatal.
func NewAPIV1Service(instanceProfile *profile.Profile, storeInstance *store.Store) (*APIV1Service, error) {
	metrics := telemetry.NewPrometheusExporter(telemetry.DefaultExporterConfig())

	var llmService llm.Service
	if instanceProfile.IsLLMEnabled() {
		svc, err := llm.NewService(&llm.Config{
			Provider: instanceProfile.LLMProvider,
			Model:    instanceProfile.LLMModel,
			APIKey:   instanceProfile.LLMAPIKey,
			BaseURL:  instanceProfile.LLMBaseURL,
			Timeout:  instanceProfile.LLMTimeout,
		})
		if err != nil {
			slog.Warn("failed to initialize LLM service",
				"provider", instanceProfile.LLMProvider,
				"error", err,
				"note", "tool planning and free-form rendering fall back to deterministic paths",
			)
		} else {
			llmService = svc
			slog.Info("LLM service initialized",
				"provider", instanceProfile.LLMProvider,
				"model", instanceProfile.LLMModel,
			)
			// Warm up the connection asynchronously to cut first-request
			// latency. Best effort, failures don't affect startup.
			go func() {
				warmupCtx, cancel := context.WithTimeout(context.Background(), llmWarmupTimeout)
				defer cancel()
				llmService.Warmup(warmupCtx)
			}()
		}
	} else {
		slog.Info("LLM disabled, running with deterministic rendering and schema-inferred tool plans")
	}

	var embedder embedding.Service
	if instanceProfile.EmbeddingAPIKey != "" {
		svc, err := embedding.NewService(&embedding.Config{
			Provider: instanceProfile.EmbeddingProvider,
			Model:    instanceProfile.EmbeddingModel,
			APIKey:   instanceProfile.EmbeddingAPIKey,
			BaseURL:  instanceProfile.EmbeddingBaseURL,
		})
		if err != nil {
			slog.Warn("failed to initialize embedding service",
				"error", err,
				"note", "semantic routing disabled",
			)
		} else {
			embedder = embedding.NewCachedService(svc, instanceProfile.EmbeddingCacheSize,
				embedding.WithCacheObserver(
					func() { metrics.RecordCacheHit("embedding") },
					func() { metrics.RecordCacheMiss("embedding") },
				))
		}
	}

	registryOpts := []registry.Option{
		registry.WithSlotMaxAttempts(instanceProfile.SlotMaxAttempts),
	}
	if pg, ok := storeInstance.GetDriver().(*postgres.DB); ok {
		registryOpts = append(registryOpts, registry.WithVectorIndex(pg.VectorIndex()))
	}
	reg, err := registry.New(embedder, registryOpts...)
	if err != nil {
		return nil, err
	}

	filter := safety.DefaultFilter()
	toolRegistry := tools.NewRegistry()

	sessions := session.NewStore(storeInstance,
		session.WithMaxCheckpoints(instanceProfile.MaxCheckpointsPerSession),
		session.WithRetryObserver(func(string) { metrics.RecordPersistRetry() }),
	)

	exec := executor.New(llmService, toolRegistry, filter, executorConfig(instanceProfile),
		executor.WithMetrics(metrics))

	orch := orchestrator.New(reg, routing.New(reg, embedder, routingConfig(instanceProfile)),
		exec, sessions, filter,
		orchestrator.Config{
			ProcessTimeout: time.Duration(instanceProfile.DefaultTimeoutS) * time.Second,
			InflightLimit:  int64(instanceProfile.GlobalInflightLimit),
		},
		orchestrator.WithMetrics(metrics),
	)

	return &APIV1Service{
		Profile:      instanceProfile,
		Store:        storeInstance,
		Registry:     reg,
		Orchestrator: orch,
		Sessions:     sessions,
		Tools:        toolRegistry,
		Metrics:      metrics,
	}, nil
}

func routingConfig(p *profile.Profile) routing.Config {
	cfg := routing.DefaultConfig()
	if p.DefaultConfidenceThreshold > 0 {
		cfg.DefaultConfidenceThreshold = p.DefaultConfidenceThreshold
	}
	if p.HighConfidenceThreshold > 0 {
		cfg.HighConfidenceThreshold = p.HighConfidenceThreshold
	}
	if p.MinConfidenceThreshold > 0 {
		cfg.MinConfidenceThreshold = p.MinConfidenceThreshold
	}
	if p.MaxConfidenceThreshold > 0 {
		cfg.MaxConfidenceThreshold = p.MaxConfidenceThreshold
	}
	if p.ContinuityBonus > 0 {
		cfg.ContinuityBonus = p.ContinuityBonus
	}
	if p.SemanticRelevanceWeight > 0 {
		cfg.SemanticRelevanceWeight = p.SemanticRelevanceWeight
	}
	if p.NegativeFeedbackPenalty > 0 {
		cfg.NegativeFeedbackPenalty = p.NegativeFeedbackPenalty
	}
	return cfg
}

func executorConfig(p *profile.Profile) executor.Config {
	cfg := executor.DefaultConfig()
	cfg.Model = p.LLMModel
	cfg.Provider = p.LLMProvider
	if p.MaxCollectionTurns > 0 {
		cfg.MaxCollectionTurns = p.MaxCollectionTurns
	}
	if p.DefaultTimeoutS > 0 {
		cfg.HandlerTimeout = time.Duration(p.DefaultTimeoutS) * time.Second
	}
	if len(p.HandlerTimeoutS) > 0 {
		cfg.HandlerTimeouts = make(map[string]time.Duration, len(p.HandlerTimeoutS))
		for name, secs := range p.HandlerTimeoutS {
			cfg.HandlerTimeouts[name] = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

// RegisterRoutes mounts the v1 endpoints on the given echo instance.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(middleware.CORS())

	apiGroup.POST("/process", s.ProcessMessage)

	apiGroup.POST("/handlers", s.RegisterHandler)
	apiGroup.GET("/handlers", s.ListHandlers)
	apiGroup.DELETE("/handlers/:id", s.RemoveHandler)

	apiGroup.GET("/sessions/:id", s.GetSession)
	apiGroup.GET("/sessions/:id/checkpoints", s.ListSessionCheckpoints)
	apiGroup.POST("/sessions/:id/rollback", s.RollbackSession)
}
