// Package extractor turns a free-form user utterance plus the current slots
// into a structured {intent, confidence, slots} object via a JSON-mode small
// model, with one bounded repair pass.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atiendo/atiendo/orchestrator/internal/llm"
	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
)

const stageName = "extractor"

// maxAttempts is the total LLM call budget: one call plus one repair pass.
const maxAttempts = 2

// Extractor is the first SLM pipeline stage.
type Extractor struct {
	client  llm.Client
	model   string
	timeout time.Duration
}

// New creates the stage. timeout bounds the whole extraction including the
// repair pass.
func New(client llm.Client, model string, timeout time.Duration) *Extractor {
	return &Extractor{client: client, model: model, timeout: timeout}
}

// Extract classifies the utterance. Empty user text short-circuits to
// {other, 0.0, {}} without touching the model.
func (e *Extractor) Extract(ctx context.Context, snap models.Snapshot, view *manifest.View) (models.Extraction, *models.StageError) {
	if strings.TrimSpace(snap.UserMessage) == "" {
		return models.Extraction{Intent: models.IntentOther, Confidence: 0, Slots: models.SlotMap{}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := llm.CompleteValidated(ctx, e.client, llm.Request{
		Model:     e.model,
		Schema:    llm.SchemaExtractorV1,
		System:    systemPrompt(snap, view),
		User:      userPrompt(snap),
		MaxTokens: 400,
	}, maxAttempts)
	if err != nil {
		return models.Extraction{}, models.NewStageError(stageName, llm.Classify(err), err)
	}

	var reply struct {
		Intent     string         `json:"intent"`
		Confidence float64        `json:"confidence"`
		Slots      map[string]any `json:"slots"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return models.Extraction{}, models.NewStageError(stageName, models.ErrSchemaInvalid, err)
	}

	ext := models.Extraction{
		Intent:     models.Intent(reply.Intent),
		Confidence: reply.Confidence,
		Slots:      models.SlotMap{},
	}
	if !ext.Intent.Valid() {
		return models.Extraction{}, models.NewStageError(stageName, models.ErrSchemaInvalid,
			fmt.Errorf("unknown intent %q", reply.Intent))
	}

	allowed := map[string]bool{}
	for _, name := range view.SlotNames() {
		allowed[name] = true
	}
	for name, value := range reply.Slots {
		if !allowed[name] {
			log.Debug().Str("slot", name).Str("vertical", string(snap.Vertical)).Msg("Dropping undeclared slot")
			continue
		}
		sv, err := models.SlotValueFromAny(value)
		if err != nil {
			log.Debug().Str("slot", name).Err(err).Msg("Dropping malformed slot value")
			continue
		}
		ext.Slots[name] = sv
	}

	// A greeting marks the conversation as greeted so templates stop
	// re-introducing the business on every turn.
	if ext.Intent == models.IntentGreeting {
		ext.Slots["greeted"] = models.Bool(true)
	}

	return ext, nil
}

func systemPrompt(snap models.Snapshot, view *manifest.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You classify WhatsApp messages for %q, a %s business.\n", snap.BusinessName, snap.Vertical)
	b.WriteString("Return only JSON: {\"intent\", \"confidence\", \"slots\"}.\n")
	b.WriteString("Intents: greeting (hello/thanks), info_hours (opening times), info_price (prices/catalog), book (create appointment or order), cancel, reschedule, other.\n")
	b.WriteString("Slots you may fill, only when explicit in the message: ")
	b.WriteString(strings.Join(view.SlotNames(), ", "))
	b.WriteString(".\nDates as YYYY-MM-DD, times as HH:MM. Never invent values.\n")
	b.WriteString(fewShot)
	return b.String()
}

const fewShot = `Examples:
"hola" -> {"intent":"greeting","confidence":0.98,"slots":{}}
"cuánto sale la coloración?" -> {"intent":"info_price","confidence":0.92,"slots":{"service_type":"Coloración"}}
"quiero reservar corte mañana 15hs" -> {"intent":"book","confidence":0.9,"slots":{"service_type":"Corte","preferred_time":"15:00"}}
`

func userPrompt(snap models.Snapshot) string {
	slots, _ := json.Marshal(snap.Slots.ToAny())
	return fmt.Sprintf("Current slots: %s\nUser message (%s): %s", slots, snap.Locale, snap.UserMessage)
}
