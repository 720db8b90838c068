package nlg_test

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/atiendo/atiendo/orchestrator/internal/nlg"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

func compose(t *testing.T, in nlg.Input) models.Assistant {
	t.Helper()
	c := nlg.New(nil, "", false) // deterministic only
	return c.Compose(context.Background(), in)
}

func TestCompose_GreetingTemplate(t *testing.T) {
	out := compose(t, nlg.Input{
		Intent:       models.IntentGreeting,
		Decision:     models.Decision{Kind: models.DecisionExecute},
		Slots:        models.SlotMap{},
		Vertical:     models.VerticalServices,
		Locale:       "es-AR",
		BusinessName: "Salón Rosa",
	})

	if out.Text == "" {
		t.Fatal("greeting text is empty")
	}
	if utf8.RuneCountInString(out.Text) > 80 {
		t.Errorf("greeting length = %d runes, cap is 80", utf8.RuneCountInString(out.Text))
	}
	if want := "Salón Rosa"; !contains(out.Text, want) {
		t.Errorf("greeting %q does not mention %q", out.Text, want)
	}
	if len(out.SuggestedReplies) == 0 {
		t.Error("greeting should carry quick replies")
	}
}

func TestCompose_PriceListFromObservation(t *testing.T) {
	out := compose(t, nlg.Input{
		Intent:   models.IntentInfoPrice,
		Decision: models.Decision{Kind: models.DecisionExecute},
		Slots:    models.SlotMap{},
		Observations: []models.Observation{{
			Tool:   "catalog_lookup",
			Status: models.ObservationOK,
			Data: map[string]any{
				"services": []any{
					map[string]any{"name": "Corte", "price_min": float64(3000), "price_max": float64(5000)},
				},
			},
		}},
		Vertical:     models.VerticalServices,
		Locale:       "es",
		BusinessName: "Salón Rosa",
	})

	if !contains(out.Text, "Corte") {
		t.Errorf("price reply %q does not list the service", out.Text)
	}
	if !contains(out.Text, "3000") || !contains(out.Text, "5000") {
		t.Errorf("price reply %q does not include the price range", out.Text)
	}
	if utf8.RuneCountInString(out.Text) > 200 {
		t.Errorf("info reply length = %d runes, cap is 200", utf8.RuneCountInString(out.Text))
	}
}

func TestCompose_AskUserNamesMissingSlots(t *testing.T) {
	out := compose(t, nlg.Input{
		Intent: models.IntentBook,
		Decision: models.Decision{
			Kind:         models.DecisionAskUser,
			MissingSlots: []string{"service_type", "preferred_date"},
		},
		Slots:        models.SlotMap{},
		Vertical:     models.VerticalServices,
		Locale:       "es",
		BusinessName: "Salón Rosa",
	})

	if !contains(out.Text, "servicio") || !contains(out.Text, "fecha") {
		t.Errorf("clarification %q does not mention the missing fields", out.Text)
	}
}

func TestCompose_BookingConfirmation(t *testing.T) {
	out := compose(t, nlg.Input{
		Intent:   models.IntentBook,
		Decision: models.Decision{Kind: models.DecisionExecute},
		Slots: models.SlotMap{
			"service_type":   models.String("Corte"),
			"preferred_date": models.String("2026-08-02"),
			"preferred_time": models.String("15:00"),
		},
		Observations: []models.Observation{{
			Tool:   "booking_create",
			Status: models.ObservationOK,
			Data:   map[string]any{"booking_id": "bk-1"},
		}},
		Vertical:     models.VerticalServices,
		Locale:       "es",
		BusinessName: "Salón Rosa",
	})

	for _, want := range []string{"Corte", "2026-08-02", "15:00"} {
		if !contains(out.Text, want) {
			t.Errorf("confirmation %q missing %q", out.Text, want)
		}
	}
}

func TestCompose_HandoffAndDeny(t *testing.T) {
	handoff := compose(t, nlg.Input{
		Intent:       models.IntentBook,
		Decision:     models.Decision{Kind: models.DecisionHandoff, Reason: "booking_window"},
		Slots:        models.SlotMap{},
		Vertical:     models.VerticalServices,
		Locale:       "es",
		BusinessName: "Salón Rosa",
	})
	deny := compose(t, nlg.Input{
		Intent:       models.IntentBook,
		Decision:     models.Decision{Kind: models.DecisionDeny, Reason: "booking_window"},
		Slots:        models.SlotMap{},
		Vertical:     models.VerticalServices,
		Locale:       "es",
		BusinessName: "Salón Rosa",
	})

	if handoff.Text == "" || deny.Text == "" {
		t.Fatal("handoff/deny replies must not be empty")
	}
	if handoff.Text == deny.Text {
		t.Error("handoff and deny should read differently")
	}
}

func TestCompose_EnglishLocale(t *testing.T) {
	out := compose(t, nlg.Input{
		Intent:       models.IntentGreeting,
		Decision:     models.Decision{Kind: models.DecisionExecute},
		Slots:        models.SlotMap{},
		Vertical:     models.VerticalServices,
		Locale:       "en-US",
		BusinessName: "Rose Salon",
	})
	if !contains(out.Text, "Rose Salon") || !contains(out.Text, "How can I help") {
		t.Errorf("english greeting = %q", out.Text)
	}
}

func TestStock_LocaleAppropriate(t *testing.T) {
	if got := nlg.Stock("es-AR"); got == "" || !contains(got, "problema") {
		t.Errorf("Stock(es) = %q", got)
	}
	if got := nlg.Stock("en-GB"); got == "" || !contains(got, "glitch") {
		t.Errorf("Stock(en) = %q", got)
	}
}

func TestCompose_UnmatchedIntentWithoutLLMFallsBackToStock(t *testing.T) {
	out := compose(t, nlg.Input{
		Intent:       models.IntentOther,
		Decision:     models.Decision{Kind: models.DecisionExecute},
		Slots:        models.SlotMap{},
		Vertical:     models.VerticalRealEstate,
		Locale:       "es",
		BusinessName: "Inmo Sur",
	})
	if out.Text == "" {
		t.Error("reply must never be blank")
	}
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
