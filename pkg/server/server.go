// Package server assembles the orchestrator: config, telemetry, manifests,
// the LLM adapter, the tool broker, the pipeline, and the HTTP surface.
package server

import (
	"context"
	"net/http"

	"github.com/atiendo/atiendo/orchestrator/internal/api"
	"github.com/atiendo/atiendo/orchestrator/internal/api/handlers"
	"github.com/atiendo/atiendo/orchestrator/internal/broker"
	"github.com/atiendo/atiendo/orchestrator/internal/config"
	"github.com/atiendo/atiendo/orchestrator/internal/llm"
	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/internal/pipeline"
	"github.com/atiendo/atiendo/orchestrator/internal/telemetry"
)

// Server is the assembled service.
type Server struct {
	Port         int
	Handler      http.Handler
	Manifests    *manifest.Store
	Orchestrator *pipeline.Orchestrator
	ShutdownFunc func(context.Context) error
}

// New builds the full dependency graph from the environment.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewMetrics()

	manifests, err := manifest.NewStore(cfg.Tools.ManifestDir)
	if err != nil {
		return nil, err
	}

	breakers := broker.NewBreakers()
	breakers.OnOpenChange(metrics.SetBreakerOpen)
	brk := broker.New(cfg.Tools.ExecutorURL, breakers, cfg.Tools.MaxParallel, metrics)

	client := llm.NewHTTPClient(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	orch := pipeline.New(cfg, manifests, client, brk, metrics)

	h := handlers.New(cfg, orch, manifests, metrics)

	return &Server{
		Port:         cfg.Port,
		Handler:      api.NewRouter(cfg, h),
		Manifests:    manifests,
		Orchestrator: orch,
		ShutdownFunc: shutdown,
	}, nil
}
