// Package nlg builds the user-facing assistant text. Deterministic templates
// cover the known shapes (greeting, price quote, availability, confirmation,
// clarification); only when no template fits does the composer fall back to
// a length-capped LLM call that is forbidden from inventing facts.
package nlg

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

// Length caps by context: greetings stay short, info answers medium,
// everything else bounded.
const (
	capGreeting = 80
	capInfo     = 200
	capDefault  = 400
)

// Input bundles everything the composer may draw on.
type Input struct {
	Intent               models.Intent
	Decision             models.Decision
	Slots                models.SlotMap // merged snapshot ⊕ extraction slots
	Observations         []models.Observation
	Vertical             models.Vertical
	Locale               string
	BusinessName         string
	RequiresUserResponse bool
}

// Composer renders the assistant reply.
type Composer struct {
	client   llm.Client
	model    string
	allowLLM bool
}

// New creates the composer. With allowLLM false (or a nil client) the
// composer is fully deterministic.
func New(client llm.Client, model string, allowLLM bool) *Composer {
	return &Composer{client: client, model: model, allowLLM: allowLLM && client != nil}
}

// Compose produces the reply text and quick-reply suggestions. It never
// fails: when both the template catalogue and the LLM fallback come up
// empty, a generic stock line is returned.
func (c *Composer) Compose(ctx context.Context, in Input) models.Assistant {
	lang := langOf(in.Locale)
	outcome := outcomeOf(in)
	values := c.values(in, lang)

	if tpl, ok := lookup(in.Vertical, in.Intent, outcome, lang); ok {
		if text, complete := render(tpl, values); complete {
			return models.Assistant{
				Text:             clip(text, capFor(in.Intent)),
				SuggestedReplies: repliesFor(in.Intent, lang),
			}
		}
	}

	if c.allowLLM {
		if text, err := c.generate(ctx, in, values, lang); err == nil {
			return models.Assistant{
				Text:             clip(text, capFor(in.Intent)),
				SuggestedReplies: repliesFor(in.Intent, lang),
			}
		} else {
			log.Warn().Err(err).Msg("NLG generation failed, using stock reply")
		}
	}

	return models.Assistant{Text: Stock(in.Locale)}
}

// Stock is the locale-appropriate degraded reply. Exported because the
// pipeline's degraded path uses it directly, with no composer state.
func Stock(locale string) string {
	tpl, _ := lookup(anyTag, anyTag, outcomeError, langOf(locale))
	return tpl
}

// outcomeOf classifies the turn for template selection.
func outcomeOf(in Input) string {
	switch in.Decision.Kind {
	case models.DecisionAskUser:
		return outcomeAsk
	case models.DecisionHandoff:
		return outcomeHandoff
	case models.DecisionDeny:
		return outcomeDeny
	}
	sawData := false
	for _, obs := range in.Observations {
		if !obs.OK() {
			continue
		}
		if len(obs.Data) > 0 {
			sawData = true
		}
	}
	if len(in.Observations) > 0 && !sawData {
		return outcomeNoData
	}
	return outcomeOK
}

// values merges slots and observation data for placeholder resolution,
// observation fields winning, plus synthetic entries (business_name,
// missing_slots).
func (c *Composer) values(in Input, lang string) models.SlotMap {
	values := models.SlotMap{}
	for name, v := range in.Slots {
		if strings.HasPrefix(name, "_") {
			continue
		}
		values[name] = v
	}
	for _, obs := range in.Observations {
		if !obs.OK() {
			continue
		}
		for field, raw := range obs.Data {
			if sv, err := models.SlotValueFromAny(raw); err == nil {
				values[field] = sv
			}
		}
	}
	values["business_name"] = models.String(in.BusinessName)
	if len(in.Decision.MissingSlots) > 0 {
		labels := make([]models.SlotValue, 0, len(in.Decision.MissingSlots))
		for _, slot := range in.Decision.MissingSlots {
			labels = append(labels, models.String(slotLabel(slot, lang)))
		}
		values["missing_slots"] = models.SlotValue{Kind: models.SlotList, List: labels}
	}
	return values
}

// slotLabel translates slot names into words a user understands.
var slotLabels = map[string]map[string]string{
	"service_type":   {"es": "el servicio", "en": "the service"},
	"preferred_date": {"es": "la fecha", "en": "the date"},
	"preferred_time": {"es": "el horario", "en": "the time"},
	"client_name":    {"es": "tu nombre", "en": "your name"},
	"client_email":   {"es": "tu email", "en": "your email"},
	"client_phone":   {"es": "tu teléfono", "en": "your phone number"},
	"party_size":     {"es": "cuántas personas", "en": "how many people"},
	"listing_id":     {"es": "qué propiedad", "en": "which listing"},
	"product_id":     {"es": "qué producto", "en": "which product"},
	"quantity":       {"es": "la cantidad", "en": "the quantity"},
	"booking_id":     {"es": "el número de reserva", "en": "the booking number"},
	"reservation_id": {"es": "el número de reserva", "en": "the reservation number"},
	"order_id":       {"es": "el número de pedido", "en": "the order number"},
}

func slotLabel(slot, lang string) string {
	if byLang, ok := slotLabels[slot]; ok {
		if label, ok := byLang[lang]; ok {
			return label
		}
	}
	return strings.ReplaceAll(slot, "_", " ")
}

// generate is the LLM fallback for intents with no clean template match.
func (c *Composer) generate(ctx context.Context, in Input, values models.SlotMap, lang string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	contextJSON, _ := json.Marshal(values.ToAny())
	system := fmt.Sprintf(
		"You write one short WhatsApp reply for %q (%s business), language %s, at most %d characters. "+
			"Use only facts from the provided context. Never invent prices, availability, or promises not confirmed there. "+
			"No medical or legal advice. Return JSON {\"text\": \"...\"}.",
		in.BusinessName, in.Vertical, lang, capFor(in.Intent))
	user := fmt.Sprintf("Intent: %s\nDecision: %s\nUser reply expected: %t\nContext: %s",
		in.Intent, in.Decision.Kind, in.RequiresUserResponse, contextJSON)

	raw, err := llm.CompleteValidated(ctx, c.client, llm.Request{
		Model:     c.model,
		Schema:    llm.SchemaNLGV1,
		System:    system,
		User:      user,
		MaxTokens: 300,
	}, 2)
	if err != nil {
		return "", err
	}
	var reply struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", err
	}
	return reply.Text, nil
}

func repliesFor(intent models.Intent, lang string) []string {
	if byLang, ok := quickReplies[intent]; ok {
		return byLang[lang]
	}
	return nil
}

func capFor(intent models.Intent) int {
	switch intent {
	case models.IntentGreeting:
		return capGreeting
	case models.IntentInfoHours, models.IntentInfoPrice:
		return capInfo
	default:
		return capDefault
	}
}

// clip enforces the length cap on rune boundaries.
func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

func langOf(locale string) string {
	locale = strings.ToLower(locale)
	if strings.HasPrefix(locale, "en") {
		return "en"
	}
	return "es"
}
