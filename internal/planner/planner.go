// Package planner chooses which tools to invoke and with what arguments,
// given the extraction and the current slots. The prompt exposes only the
// manifest surface (tool and arg names), never implementations; the policy
// engine remains the sole authority on whether a planned call may run.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atiendo/atiendo/orchestrator/internal/llm"
	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

const stageName = "planner"

const maxAttempts = 2

// Planner is the tool-selection stage.
type Planner struct {
	client   llm.Client
	model    string
	timeout  time.Duration
	maxCalls int
}

// New creates the stage. maxCalls is advisory in the prompt; the hard cap is
// enforced by policy.
func New(client llm.Client, model string, timeout time.Duration, maxCalls int) *Planner {
	return &Planner{client: client, model: model, timeout: timeout, maxCalls: maxCalls}
}

// Plan produces the ordered tool-call list for this turn.
func (p *Planner) Plan(ctx context.Context, snap models.Snapshot, ext models.Extraction, view *manifest.View) (models.Plan, *models.StageError) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := llm.CompleteValidated(ctx, p.client, llm.Request{
		Model:     p.model,
		Schema:    llm.SchemaPlannerV1,
		System:    p.systemPrompt(snap, view),
		User:      userPrompt(snap, ext),
		MaxTokens: 500,
	}, maxAttempts)
	if err != nil {
		return models.Plan{}, models.NewStageError(stageName, llm.Classify(err), err)
	}

	var plan models.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return models.Plan{}, models.NewStageError(stageName, models.ErrSchemaInvalid, err)
	}
	for i := range plan.Calls {
		if plan.Calls[i].Args == nil {
			plan.Calls[i].Args = map[string]any{}
		}
	}
	return plan, nil
}

func (p *Planner) systemPrompt(snap models.Snapshot, view *manifest.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You plan tool calls for %q (%s). Return only JSON: {\"tool_calls\":[{\"tool\",\"args\"}],\"requires_user_response\":bool}.\n", snap.BusinessName, snap.Vertical)
	fmt.Fprintf(&b, "At most %d calls, in execution order. Available tools:\n", p.maxCalls)
	for _, tool := range view.Tools {
		var args []string
		for _, a := range tool.Args {
			suffix := ""
			if a.Required {
				suffix = "*"
			}
			args = append(args, a.Name+suffix+":"+a.Type)
		}
		fmt.Fprintf(&b, "- %s(%s)\n", tool.Name, strings.Join(args, ", "))
	}
	b.WriteString("Use a tool only when its data is needed this turn. Do not re-request data present in recent observations. An arg value \"$prev.<field>\" copies a field from the previous call's result.\n")
	return b.String()
}

func userPrompt(snap models.Snapshot, ext models.Extraction) string {
	extJSON, _ := json.Marshal(ext)
	slots, _ := json.Marshal(snap.Slots.ToAny())
	var obs []byte
	if len(snap.Observations) > 0 {
		obs, _ = json.Marshal(snap.Observations)
	} else {
		obs = []byte("[]")
	}
	return fmt.Sprintf("Extraction: %s\nCurrent slots: %s\nRecent observations: %s\nUser message: %s",
		extJSON, slots, obs, snap.UserMessage)
}
