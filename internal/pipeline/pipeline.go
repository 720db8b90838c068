// Package pipeline is the per-request orchestrator: a short linear state
// machine that routes a snapshot through either the structured SLM path
// (extract → plan → policy → execute → reduce → compose) or the legacy
// single-shot fallback, under a strict total deadline.
//
//	RECEIVED → ROUTED → … → RETURNED
//
// There are no pipeline-level retries; retries live inside the broker. Any
// stage failure moves the request onto the degraded path, which still
// returns a stock reply; the user never sees a blank message.
package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/atiendo/atiendo/orchestrator/internal/broker"
	"github.com/atiendo/atiendo/orchestrator/internal/canary"
	"github.com/atiendo/atiendo/orchestrator/internal/config"
	"github.com/atiendo/atiendo/orchestrator/internal/extractor"
	"github.com/atiendo/atiendo/orchestrator/internal/llm"
	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/internal/nlg"
	"github.com/atiendo/atiendo/orchestrator/internal/planner"
	"github.com/atiendo/atiendo/orchestrator/internal/policy"
	"github.com/atiendo/atiendo/orchestrator/internal/reducer"
	"github.com/atiendo/atiendo/orchestrator/internal/telemetry"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// stageGuard: a stage that cannot get this much of the total budget is not
// started; the request degrades with deadline_exceeded instead.
const stageGuard = 50 * time.Millisecond

var tracer = otel.Tracer("atiendo-orchestrator/pipeline")

// Orchestrator wires the stages together.
type Orchestrator struct {
	cfg       *config.Config
	canaryCfg atomic.Pointer[config.CanaryConfig]
	manifests *manifest.Store
	extract   *extractor.Extractor
	plan      *planner.Planner
	policy    *policy.Engine
	broker    *broker.Broker
	compose   *nlg.Composer
	legacy    *legacyPath
	metrics   *telemetry.Metrics
}

// New builds the orchestrator and its stages.
func New(cfg *config.Config, manifests *manifest.Store, client llm.Client, brk *broker.Broker, metrics *telemetry.Metrics) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		manifests: manifests,
		extract:   extractor.New(client, cfg.LLM.ExtractorModel, cfg.Pipeline.ExtractorTimeout),
		plan:      planner.New(client, cfg.LLM.PlannerModel, cfg.Pipeline.PlannerTimeout, cfg.Pipeline.MaxToolCalls),
		policy:    policy.New(cfg.Pipeline.ConfidenceThreshold, cfg.Pipeline.MaxToolCalls),
		broker:    brk,
		compose:   nlg.New(client, cfg.LLM.ResponseModel, cfg.Pipeline.FallbackToLLM),
		legacy:    &legacyPath{client: client, model: cfg.LLM.LegacyModel},
		metrics:   metrics,
	}
	canaryCfg := cfg.Canary
	o.canaryCfg.Store(&canaryCfg)
	return o
}

// CanaryConfig returns the live canary config.
func (o *Orchestrator) CanaryConfig() config.CanaryConfig {
	return *o.canaryCfg.Load()
}

// SetCanaryConfig swaps the canary config atomically (operator action).
func (o *Orchestrator) SetCanaryConfig(cfg config.CanaryConfig) {
	o.canaryCfg.Store(&cfg)
	log.Info().
		Bool("enabled", cfg.EnableSLMPipeline).
		Int("percent", cfg.CanaryPercent).
		Msg("Canary config updated")
}

// Decide runs the full decision for one snapshot. denied reports a policy
// deny verdict so the adapter can answer 409 while still relaying the text.
func (o *Orchestrator) Decide(ctx context.Context, snap models.Snapshot) (resp models.DecideResponse, denied bool) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.TotalTimeout)
	defer cancel()

	start := time.Now()
	route := canary.Route(snap.ConversationID, o.CanaryConfig())

	ctx, span := tracer.Start(ctx, "pipeline.decide")
	span.SetAttributes(
		attribute.String("tenant.id", snap.TenantID),
		attribute.String("conversation.id", snap.ConversationID),
		attribute.String("pipeline.route", string(route)),
	)
	defer span.End()

	switch route {
	case models.RouteSLMPipeline:
		resp, denied = o.decideSLM(ctx, snap)
	default:
		resp = o.decideLegacy(ctx, snap)
	}

	resp.Telemetry.TotalMs = time.Since(start).Milliseconds()
	if o.metrics != nil {
		o.metrics.ObserveRoute(string(resp.Telemetry.Route))
		o.metrics.ObserveStage("total", resp.Telemetry.TotalMs)
	}
	return resp, denied
}

func (o *Orchestrator) decideSLM(ctx context.Context, snap models.Snapshot) (models.DecideResponse, bool) {
	view := o.manifests.Get(snap.Vertical)
	tel := models.Telemetry{Route: models.RouteSLMPipeline}

	// EXTRACTED
	if !o.budgetLeft(ctx) {
		return o.degraded(snap, models.ErrDeadlineExceeded, tel), false
	}
	ext, serr := o.stageExtract(ctx, snap, view, &tel)
	if serr != nil {
		return o.degradedFrom(snap, serr, tel), false
	}
	tel.Intent = ext.Intent
	confidence := ext.Confidence
	tel.Confidence = &confidence

	// PLANNED. An empty utterance plans nothing; skip the model call.
	var plan models.Plan
	if strings.TrimSpace(snap.UserMessage) != "" {
		if !o.budgetLeft(ctx) {
			return o.degraded(snap, models.ErrDeadlineExceeded, tel), false
		}
		plan, serr = o.stagePlan(ctx, snap, ext, view, &tel)
		if serr != nil {
			return o.degradedFrom(snap, serr, tel), false
		}
	}

	// POLICY_EVALUATED
	policyStart := time.Now()
	_, policySpan := tracer.Start(ctx, "pipeline.policy")
	decision := o.policy.Evaluate(plan, ext, snap, view)
	policySpan.End()
	tel.PolicyMs = time.Since(policyStart).Milliseconds()
	o.observeStage("policy", tel.PolicyMs)
	log.Debug().
		Str("conversation", snap.ConversationID).
		Str("decision", policy.Describe(decision)).
		Msg("Policy evaluated")

	// EXECUTED
	var observations []models.Observation
	if decision.Kind == models.DecisionExecute && len(decision.Calls) > 0 {
		if !o.budgetLeft(ctx) {
			return o.degraded(snap, models.ErrDeadlineExceeded, tel), false
		}
		brokerStart := time.Now()
		brokerCtx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.BrokerTimeout)
		brokerCtx, execSpan := tracer.Start(brokerCtx, "pipeline.execute")
		observations = o.broker.Execute(brokerCtx, decision.Calls, view, snap)
		execSpan.End()
		cancel()
		tel.BrokerMs = time.Since(brokerStart).Milliseconds()
		o.observeStage("broker", tel.BrokerMs)
	}

	// REDUCED
	reducerStart := time.Now()
	_, reduceSpan := tracer.Start(ctx, "pipeline.reduce")
	patch := reducer.Reduce(snap.Slots, ext, observations, view)
	for name, value := range decision.Internal {
		patch.SlotsSet[name] = value
	}
	reduceSpan.End()
	tel.ReducerMs = time.Since(reducerStart).Milliseconds()
	o.observeStage("reducer", tel.ReducerMs)

	// COMPOSED
	nlgStart := time.Now()
	composeCtx, composeSpan := tracer.Start(ctx, "pipeline.compose")
	assistant := o.compose.Compose(composeCtx, nlg.Input{
		Intent:               ext.Intent,
		Decision:             decision,
		Slots:                snap.Slots.Merge(ext.Slots),
		Observations:         observations,
		Vertical:             snap.Vertical,
		Locale:               snap.Locale,
		BusinessName:         snap.BusinessName,
		RequiresUserResponse: plan.RequiresUserResponse,
	})
	composeSpan.End()
	tel.NLGMs = time.Since(nlgStart).Milliseconds()
	o.observeStage("nlg", tel.NLGMs)

	// RETURNED
	return models.DecideResponse{
		Assistant: assistant,
		ToolCalls: emittedCalls(decision, observations, view),
		Patch:     patch,
		Telemetry: tel,
	}, decision.Kind == models.DecisionDeny
}

func (o *Orchestrator) stageExtract(ctx context.Context, snap models.Snapshot, view *manifest.View, tel *models.Telemetry) (models.Extraction, *models.StageError) {
	stageStart := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.extract")
	defer span.End()
	ext, serr := o.extract.Extract(ctx, snap, view)
	tel.ExtractorMs = time.Since(stageStart).Milliseconds()
	o.observeStage("extractor", tel.ExtractorMs)
	return ext, serr
}

func (o *Orchestrator) stagePlan(ctx context.Context, snap models.Snapshot, ext models.Extraction, view *manifest.View, tel *models.Telemetry) (models.Plan, *models.StageError) {
	stageStart := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.plan")
	defer span.End()
	plan, serr := o.plan.Plan(ctx, snap, ext, view)
	tel.PlannerMs = time.Since(stageStart).Milliseconds()
	o.observeStage("planner", tel.PlannerMs)
	return plan, serr
}

// emittedCalls selects the side-effecting calls the broker ran successfully;
// those are the only ones the workflow engine needs echoed.
func emittedCalls(decision models.Decision, observations []models.Observation, view *manifest.View) []models.ToolCall {
	calls := []models.ToolCall{}
	if decision.Kind != models.DecisionExecute {
		return calls
	}
	for i, call := range decision.Calls {
		spec, ok := view.Tool(call.Tool)
		if !ok || !spec.SideEffect {
			continue
		}
		if i < len(observations) && observations[i].OK() {
			calls = append(calls, call)
		}
	}
	return calls
}

// budgetLeft checks the stage guard against the total deadline.
func (o *Orchestrator) budgetLeft(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) >= stageGuard
}

func (o *Orchestrator) degradedFrom(snap models.Snapshot, serr *models.StageError, tel models.Telemetry) models.DecideResponse {
	log.Error().
		Str("tenant", snap.TenantID).
		Str("conversation", snap.ConversationID).
		Str("stage", serr.Stage).
		Str("kind", string(serr.Kind)).
		Err(serr.Err).
		Msg("Stage failed, degrading")
	return o.degraded(snap, serr.Kind, tel)
}

// degraded is the DEGRADED → RETURNED path: a stock apology, no tool calls,
// empty patch, route = error.
func (o *Orchestrator) degraded(snap models.Snapshot, kind models.ErrorKind, tel models.Telemetry) models.DecideResponse {
	log.Debug().Str("kind", string(kind)).Str("conversation", snap.ConversationID).Msg("Degraded response")
	tel.Route = models.RouteError
	return models.DecideResponse{
		Assistant: models.Assistant{Text: nlg.Stock(snap.Locale)},
		ToolCalls: []models.ToolCall{},
		Patch:     models.EmptyPatch(),
		Telemetry: tel,
	}
}

func (o *Orchestrator) observeStage(stage string, ms int64) {
	if o.metrics != nil {
		o.metrics.ObserveStage(stage, ms)
	}
}
