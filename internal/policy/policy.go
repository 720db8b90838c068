// Package policy validates the planner's output against the tool manifest
// and acts as the slot-filling gate. It is the only component that may
// produce handoff or deny; NLG and the broker render whatever verdict policy
// hands them and never re-derive one.
package policy

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"
)

// offenseKey is the reserved slot tracking repeated guardrail violations in
// one conversation. It travels store → snapshot.Internal → patch.
const offenseKey = "_guardrail_offenses"

// Engine enforces plan safety.
type Engine struct {
	confidenceThreshold float64
	maxCalls            int
}

// New creates the policy engine. maxCalls caps the validated plan length.
func New(confidenceThreshold float64, maxCalls int) *Engine {
	return &Engine{confidenceThreshold: confidenceThreshold, maxCalls: maxCalls}
}

// Evaluate runs the validation ladder: cap, manifest membership, arg shape,
// slot preconditions, guardrails, deduplication. The result is a terminal
// verdict: an executable call list or a directive to skip execution.
func (e *Engine) Evaluate(plan models.Plan, ext models.Extraction, snap models.Snapshot, view *manifest.View) models.Decision {
	calls := plan.Calls
	if len(calls) > e.maxCalls {
		log.Warn().
			Str("conversation", snap.ConversationID).
			Int("planned", len(calls)).
			Int("cap", e.maxCalls).
			Msg("Plan over call cap, truncating")
		calls = calls[:e.maxCalls]
	}

	merged := snap.Slots.Merge(ext.Slots)

	// Manifest membership and arg shape. Violating calls are dropped, not
	// fatal: the rest of the plan may still be serviceable.
	var valid []models.ToolCall
	var specs []models.ToolSpec
	for _, call := range calls {
		spec, ok := view.Tool(call.Tool)
		if !ok {
			logDenied(snap, call.Tool, "unknown_tool")
			continue
		}
		if reason := checkArgs(spec, call); reason != "" {
			logDenied(snap, call.Tool, reason)
			continue
		}
		valid = append(valid, call)
		specs = append(specs, spec)
	}

	// Slot preconditions. A missing slot is forgiven when an earlier call in
	// this same plan produces it (intra-plan dependency).
	producedEarlier := map[string]bool{}
	missing := map[string]bool{}
	for i, spec := range specs {
		for _, required := range spec.Requires {
			if _, ok := merged[required]; ok {
				continue
			}
			if producedEarlier[required] {
				continue
			}
			missing[required] = true
		}
		for _, produced := range specs[i].Produces {
			producedEarlier[produced] = true
		}
	}
	if len(missing) > 0 {
		return models.Decision{
			Kind:         models.DecisionAskUser,
			PromptHint:   "missing_slots",
			MissingSlots: sortedKeys(missing),
		}
	}

	// Below the confidence threshold the pipeline may still read, but must
	// not act: side-effecting calls are withheld and the user is asked to
	// confirm instead.
	if ext.Confidence < e.confidenceThreshold {
		for _, spec := range specs {
			if spec.SideEffect {
				return models.Decision{
					Kind:       models.DecisionAskUser,
					PromptHint: "confirm_action",
				}
			}
		}
	}

	// Guardrails: per-vertical hard limits. First offence hands the
	// conversation off; repeats within the conversation are denied.
	for _, call := range valid {
		if violation := e.checkGuardrails(call, ext, merged, view); violation != "" {
			offenses, _ := snap.Internal.GetNumber(offenseKey)
			internal := models.SlotMap{offenseKey: models.Number(offenses + 1)}
			logDenied(snap, call.Tool, "guardrail:"+violation)
			if offenses >= 1 {
				return models.Decision{
					Kind:     models.DecisionDeny,
					Reason:   violation,
					Internal: internal,
				}
			}
			return models.Decision{
				Kind:     models.DecisionHandoff,
				Reason:   violation,
				Internal: internal,
			}
		}
	}

	// Deduplication on canonical (tool, sorted args); first occurrence wins
	// so the planner's ordering is preserved.
	seen := map[string]bool{}
	var final []models.ToolCall
	for _, call := range valid {
		key := canonicalKey(call)
		if seen[key] {
			continue
		}
		seen[key] = true
		final = append(final, call)
	}

	return models.Decision{Kind: models.DecisionExecute, Calls: final}
}

// checkArgs verifies the call's args are a subset of the declared args and
// that every required arg is present. Returns a denial reason or "".
func checkArgs(spec models.ToolSpec, call models.ToolCall) string {
	for name := range call.Args {
		if _, ok := spec.Arg(name); !ok {
			return "bad_args"
		}
	}
	for _, arg := range spec.Args {
		if !arg.Required {
			continue
		}
		if _, ok := call.Args[arg.Name]; !ok {
			return "bad_args"
		}
	}
	return ""
}

// checkGuardrails evaluates every compiled rule for the vertical against
// this call. Returns the violated guardrail name or "".
func (e *Engine) checkGuardrails(call models.ToolCall, ext models.Extraction, merged models.SlotMap, view *manifest.View) string {
	if len(view.Guardrails) == 0 {
		return ""
	}
	env := map[string]any{
		"tool":       call.Tool,
		"intent":     string(ext.Intent),
		"confidence": ext.Confidence,
		"slots":      merged.ToAny(),
		"args":       call.Args,
	}
	for _, g := range view.Guardrails {
		program, ok := view.GuardrailProgram(g.Name)
		if !ok {
			continue
		}
		out, err := expr.Run(program, env)
		if err != nil {
			// A rule that cannot evaluate must not block the call; the
			// manifest author sees the warning instead.
			log.Warn().Str("guardrail", g.Name).Err(err).Msg("Guardrail evaluation failed")
			continue
		}
		if pass, ok := out.(bool); ok && !pass {
			return g.Name
		}
	}
	return ""
}

func canonicalKey(call models.ToolCall) string {
	// encoding/json sorts map keys, so this is stable for equal arg sets.
	args, _ := json.Marshal(call.Args)
	return call.Tool + "\x00" + string(args)
}

func logDenied(snap models.Snapshot, tool, reason string) {
	log.Info().
		Str("tenant", snap.TenantID).
		Str("conversation", snap.ConversationID).
		Str("tool", tool).
		Str("reason", reason).
		Msg("policy_denied")
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Describe renders a decision for logs.
func Describe(d models.Decision) string {
	switch d.Kind {
	case models.DecisionExecute:
		return fmt.Sprintf("execute(%d calls)", len(d.Calls))
	case models.DecisionAskUser:
		return fmt.Sprintf("ask_user(%v)", d.MissingSlots)
	default:
		return string(d.Kind) + "(" + d.Reason + ")"
	}
}
