package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atiendo/atiendo/orchestrator/internal/llm"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
)

// legacyPath is the single-shot fallback: one JSON-mode call that returns
// {assistant_text, tool_calls, patch} directly, validated against legacy_v1.
// No policy validation is applied to its tool list; the path exists only so
// the SLM pipeline can roll out behind a switch with instant rollback.
type legacyPath struct {
	client llm.Client
	model  string
}

// legacyReply mirrors the legacy_v1 schema.
type legacyReply struct {
	AssistantText string            `json:"assistant_text"`
	ToolCalls     []models.ToolCall `json:"tool_calls"`
	Patch         struct {
		Slots                 map[string]any `json:"slots"`
		SlotsToRemove         []string       `json:"slots_to_remove"`
		CacheInvalidationKeys []string       `json:"cache_invalidation_keys"`
	} `json:"patch"`
}

func (o *Orchestrator) decideLegacy(ctx context.Context, snap models.Snapshot) models.DecideResponse {
	tel := models.Telemetry{Route: models.RouteLegacy}
	if !o.budgetLeft(ctx) {
		return o.degraded(snap, models.ErrDeadlineExceeded, tel)
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.legacy")
	defer span.End()

	raw, err := llm.CompleteValidated(ctx, o.legacy.client, llm.Request{
		Model:     o.legacy.model,
		Schema:    llm.SchemaLegacyV1,
		System:    o.legacy.systemPrompt(snap),
		User:      o.legacy.userPrompt(snap),
		MaxTokens: 900,
	}, 2)
	if err != nil {
		log.Error().Err(err).Str("conversation", snap.ConversationID).Msg("Legacy call failed, degrading")
		return o.degraded(snap, llm.Classify(err), tel)
	}

	var reply legacyReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return o.degraded(snap, models.ErrSchemaInvalid, tel)
	}

	patch := models.EmptyPatch()
	for name, value := range reply.Patch.Slots {
		sv, err := models.SlotValueFromAny(value)
		if err != nil {
			log.Debug().Str("slot", name).Err(err).Msg("Dropping malformed legacy slot")
			continue
		}
		patch.SlotsSet[name] = sv
	}
	for _, name := range reply.Patch.SlotsToRemove {
		if _, set := patch.SlotsSet[name]; set {
			continue // keep slots_set and slots_unset disjoint
		}
		patch.SlotsUnset = append(patch.SlotsUnset, name)
	}
	patch.CacheInvalidationKeys = append(patch.CacheInvalidationKeys, reply.Patch.CacheInvalidationKeys...)

	calls := reply.ToolCalls
	if calls == nil {
		calls = []models.ToolCall{}
	}

	tel.TotalMs = time.Since(start).Milliseconds()
	return models.DecideResponse{
		Assistant: models.Assistant{Text: reply.AssistantText},
		ToolCalls: calls,
		Patch:     patch,
		Telemetry: tel,
	}
}

func (p *legacyPath) systemPrompt(snap models.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the WhatsApp assistant for %q, a %s business. Locale %s.\n", snap.BusinessName, snap.Vertical, snap.Locale)
	b.WriteString("Reply with JSON only: {\"assistant_text\", \"tool_calls\": [{\"tool\",\"args\"}], \"patch\": {\"slots\", \"slots_to_remove\", \"cache_invalidation_keys\"}}.\n")
	b.WriteString("Keep assistant_text short and friendly. Never invent prices or availability.\n")
	return b.String()
}

func (p *legacyPath) userPrompt(snap models.Snapshot) string {
	slots, _ := json.Marshal(snap.Slots.ToAny())
	var obs []byte
	if len(snap.Observations) > 0 {
		obs, _ = json.Marshal(snap.Observations)
	} else {
		obs = []byte("[]")
	}
	return fmt.Sprintf("State: %s\nFSM: %s\nRecent observations: %s\nUser: %s",
		slots, snap.FSMState, obs, snap.UserMessage)
}
