package nlg

import (
	"fmt"
	"sort"
	"strings"

	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

// Outcome tags classify how the turn went for template selection.
const (
	outcomeOK      = "ok"
	outcomeNoData  = "no_data"
	outcomeError   = "error"
	outcomeAsk     = "ask"
	outcomeHandoff = "handoff"
	outcomeDeny    = "deny"
)

type templateKey struct {
	Vertical models.Vertical // "*" matches any vertical
	Intent   models.Intent   // "*" matches any intent
	Outcome  string
	Lang     string
}

const anyTag = "*"

// catalogue holds the deterministic reply templates. Placeholders in braces
// resolve against the merged slot/observation map; a template whose
// placeholders cannot all resolve is skipped in favour of the LLM fallback.
var catalogue = map[templateKey]string{
	// Greetings.
	{anyTag, models.IntentGreeting, outcomeOK, "es"}: "¡Hola! Soy el asistente de {business_name}. ¿En qué te ayudo?",
	{anyTag, models.IntentGreeting, outcomeOK, "en"}: "Hi! I'm the {business_name} assistant. How can I help?",

	// Opening hours.
	{anyTag, models.IntentInfoHours, outcomeOK, "es"}: "Nuestros horarios: {opening_hours}.",
	{anyTag, models.IntentInfoHours, outcomeOK, "en"}: "Our opening hours: {opening_hours}.",

	// Prices / catalog.
	{models.VerticalServices, models.IntentInfoPrice, outcomeOK, "es"}:   "Estos son nuestros servicios: {services}. ¿Querés reservar alguno?",
	{models.VerticalServices, models.IntentInfoPrice, outcomeOK, "en"}:   "These are our services: {services}. Would you like to book one?",
	{models.VerticalGastronomy, models.IntentInfoPrice, outcomeOK, "es"}: "Nuestro menú: {menu_items}.",
	{models.VerticalECommerce, models.IntentInfoPrice, outcomeOK, "es"}:  "Encontré estos productos: {products}.",
	{anyTag, models.IntentInfoPrice, outcomeNoData, "es"}:                "No encontré precios para eso. ¿Me decís qué servicio te interesa?",
	{anyTag, models.IntentInfoPrice, outcomeNoData, "en"}:                "I couldn't find prices for that. Which service are you interested in?",

	// Bookings.
	{models.VerticalServices, models.IntentBook, outcomeOK, "es"}:          "¡Listo! Reservé {service_type} el {preferred_date} a las {preferred_time}. Te esperamos.",
	{models.VerticalServices, models.IntentBook, outcomeOK, "en"}:          "Done! I booked {service_type} on {preferred_date} at {preferred_time}. See you then.",
	{models.VerticalGastronomy, models.IntentBook, outcomeOK, "es"}:        "¡Listo! Mesa para {party_size} el {preferred_date} a las {preferred_time}.",
	{models.VerticalRealEstate, models.IntentBook, outcomeOK, "es"}:        "Agendé la visita el {preferred_date} a las {preferred_time}.",
	{models.VerticalECommerce, models.IntentBook, outcomeOK, "es"}:         "¡Pedido confirmado! Número de orden: {order_id}.",
	{models.VerticalServices, models.IntentCancel, outcomeOK, "es"}:        "Cancelé tu reserva. ¡Esperamos verte pronto!",
	{models.VerticalServices, models.IntentCancel, outcomeOK, "en"}:        "Your booking is cancelled. Hope to see you soon!",
	{models.VerticalServices, models.IntentReschedule, outcomeOK, "es"}:    "Reprogramé tu turno para el {preferred_date} a las {preferred_time}.",
	{models.VerticalGastronomy, models.IntentCancel, outcomeOK, "es"}:      "Cancelé tu reserva. ¡Esperamos verte pronto!",
	{models.VerticalGastronomy, models.IntentReschedule, outcomeOK, "es"}:  "Cambié tu reserva para el {preferred_date} a las {preferred_time}.",

	// Clarification.
	{anyTag, anyTag, outcomeAsk, "es"}: "¡Genial! Para avanzar necesito un dato más: {missing_slots}.",
	{anyTag, anyTag, outcomeAsk, "en"}: "Great! I just need one more thing: {missing_slots}.",

	// Handoff / deny / degraded.
	{anyTag, anyTag, outcomeHandoff, "es"}: "Ese pedido lo tiene que revisar una persona del equipo. Ya les avisé, te contactan a la brevedad.",
	{anyTag, anyTag, outcomeHandoff, "en"}: "A member of the team needs to look at that request. I've let them know; they'll reach out shortly.",
	{anyTag, anyTag, outcomeDeny, "es"}:    "No puedo procesar ese pedido por acá. Escribinos por los canales del local y lo resolvemos.",
	{anyTag, anyTag, outcomeDeny, "en"}:    "I can't process that request here. Please reach the business directly and we'll sort it out.",
	{anyTag, anyTag, outcomeError, "es"}:   "Uy, tuve un problema técnico. ¿Probás de nuevo en un momento?",
	{anyTag, anyTag, outcomeError, "en"}:   "I hit a glitch, can you try again in a moment?",
}

// quickReplies suggests canonical next utterances per intent.
var quickReplies = map[models.Intent]map[string][]string{
	models.IntentGreeting: {
		"es": {"Ver precios", "Quiero reservar", "Horarios"},
		"en": {"See prices", "Book now", "Opening hours"},
	},
	models.IntentInfoPrice: {
		"es": {"Quiero reservar", "Horarios"},
		"en": {"Book now", "Opening hours"},
	},
	models.IntentInfoHours: {
		"es": {"Ver precios", "Quiero reservar"},
		"en": {"See prices", "Book now"},
	},
}

// lookup finds the most specific template: exact vertical+intent, then
// wildcard intent, then wildcard vertical, then both wildcards.
func lookup(vertical models.Vertical, intent models.Intent, outcome, lang string) (string, bool) {
	keys := []templateKey{
		{vertical, intent, outcome, lang},
		{vertical, anyTag, outcome, lang},
		{anyTag, intent, outcome, lang},
		{anyTag, anyTag, outcome, lang},
	}
	for _, k := range keys {
		if tpl, ok := catalogue[k]; ok {
			return tpl, true
		}
	}
	return "", false
}

// render substitutes {name} placeholders from values in a single pass
// (substituted text is never rescanned). The bool reports whether every
// placeholder resolved.
func render(tpl string, values models.SlotMap) (string, bool) {
	var b strings.Builder
	complete := true
	rest := tpl
	for {
		start := strings.Index(rest, "{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		name := rest[start+1 : start+end]
		if value, ok := values[name]; ok {
			b.WriteString(formatValue(value))
		} else {
			complete = false
		}
		rest = rest[start+end+1:]
	}
	return b.String(), complete
}

// formatValue renders a slot value for user-facing text.
func formatValue(v models.SlotValue) string {
	switch v.Kind {
	case models.SlotString:
		return v.Str
	case models.SlotNumber:
		if v.Num == float64(int64(v.Num)) {
			return fmt.Sprintf("%d", int64(v.Num))
		}
		return fmt.Sprintf("%g", v.Num)
	case models.SlotBool:
		if v.Bool {
			return "sí"
		}
		return "no"
	case models.SlotList:
		parts := make([]string, 0, len(v.List))
		for _, item := range v.List {
			parts = append(parts, formatValue(item))
		}
		return strings.Join(parts, ", ")
	case models.SlotMapKind:
		// Named entries (services, products, listings) read as
		// "Name ($min-$max)" / "Name ($price)"; anything else as k: v pairs.
		if name, ok := v.Map["name"]; ok {
			label := formatValue(name)
			if min, okMin := v.Map["price_min"]; okMin {
				if max, okMax := v.Map["price_max"]; okMax {
					return fmt.Sprintf("%s ($%s-$%s)", label, formatValue(min), formatValue(max))
				}
			}
			if price, okPrice := v.Map["price"]; okPrice {
				return fmt.Sprintf("%s ($%s)", label, formatValue(price))
			}
			return label
		}
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+formatValue(v.Map[k]))
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
