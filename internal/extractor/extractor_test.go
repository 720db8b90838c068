package extractor_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/atiendo/atiendo/orchestrator/internal/extractor"
	"github.com/atiendo/atiendo/orchestrator/internal/llm"
	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

type mockClient struct {
	replies []string
	calls   []llm.Request
	err     error
}

func (m *mockClient) CompleteJSON(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	i := len(m.calls) - 1
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	return json.RawMessage(m.replies[i]), nil
}

func servicesView(t *testing.T) *manifest.View {
	t.Helper()
	s, err := manifest.NewStore("")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s.Get(models.VerticalServices)
}

func snapshot(text string) models.Snapshot {
	return models.Snapshot{
		TenantID:       "ws-1",
		ConversationID: "conv-1",
		RequestID:      "req-1",
		Vertical:       models.VerticalServices,
		BusinessName:   "Salón Rosa",
		Locale:         "es-AR",
		UserMessage:    text,
		Slots:          models.SlotMap{},
		Internal:       models.SlotMap{},
	}
}

func TestExtract_EmptyTextSkipsModel(t *testing.T) {
	m := &mockClient{}
	e := extractor.New(m, "slm-extractor", 300*time.Millisecond)

	ext, serr := e.Extract(context.Background(), snapshot("   "), servicesView(t))
	if serr != nil {
		t.Fatalf("Extract() error = %v", serr)
	}
	if ext.Intent != models.IntentOther || ext.Confidence != 0 {
		t.Errorf("extraction = %+v, want other/0.0", ext)
	}
	if len(m.calls) != 0 {
		t.Errorf("model called %d times for empty text, want 0", len(m.calls))
	}
}

func TestExtract_ParsesReplyAndDropsUndeclaredSlots(t *testing.T) {
	m := &mockClient{replies: []string{
		`{"intent":"info_price","confidence":0.92,"slots":{"service_type":"Coloración","favorite_color":"azul"}}`,
	}}
	e := extractor.New(m, "slm-extractor", 300*time.Millisecond)

	ext, serr := e.Extract(context.Background(), snapshot("cuánto sale la coloración?"), servicesView(t))
	if serr != nil {
		t.Fatalf("Extract() error = %v", serr)
	}
	if ext.Intent != models.IntentInfoPrice {
		t.Errorf("Intent = %s, want info_price", ext.Intent)
	}
	if got, _ := ext.Slots.GetString("service_type"); got != "Coloración" {
		t.Errorf("service_type = %q", got)
	}
	if _, ok := ext.Slots["favorite_color"]; ok {
		t.Error("undeclared slot survived extraction")
	}
}

func TestExtract_GreetingMarksGreeted(t *testing.T) {
	m := &mockClient{replies: []string{`{"intent":"greeting","confidence":0.98,"slots":{}}`}}
	e := extractor.New(m, "slm-extractor", 300*time.Millisecond)

	ext, serr := e.Extract(context.Background(), snapshot("hola"), servicesView(t))
	if serr != nil {
		t.Fatalf("Extract() error = %v", serr)
	}
	if greeted, ok := ext.Slots.GetBool("greeted"); !ok || !greeted {
		t.Errorf("greeted slot = %v (%v), want true", greeted, ok)
	}
	if ext.Confidence < 0.9 {
		t.Errorf("Confidence = %v, want >= 0.9", ext.Confidence)
	}
}

func TestExtract_RepairRecovers(t *testing.T) {
	m := &mockClient{replies: []string{
		`{"intent":"book"}`, // missing required fields
		`{"intent":"book","confidence":0.9,"slots":{}}`,
	}}
	e := extractor.New(m, "slm-extractor", 300*time.Millisecond)

	ext, serr := e.Extract(context.Background(), snapshot("quiero reservar"), servicesView(t))
	if serr != nil {
		t.Fatalf("Extract() error = %v", serr)
	}
	if ext.Intent != models.IntentBook {
		t.Errorf("Intent = %s", ext.Intent)
	}
	if len(m.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(m.calls))
	}
}

func TestExtract_SchemaInvalidAfterRepair(t *testing.T) {
	m := &mockClient{replies: []string{`garbage`}}
	e := extractor.New(m, "slm-extractor", 300*time.Millisecond)

	_, serr := e.Extract(context.Background(), snapshot("hola"), servicesView(t))
	if serr == nil {
		t.Fatal("Extract() should fail on persistent garbage")
	}
	if serr.Kind != models.ErrSchemaInvalid {
		t.Errorf("Kind = %s, want schema_invalid", serr.Kind)
	}
}

func TestExtract_BackendDownIsLLMUnavailable(t *testing.T) {
	m := &mockClient{err: llm.ErrUnavailable}
	e := extractor.New(m, "slm-extractor", 300*time.Millisecond)

	_, serr := e.Extract(context.Background(), snapshot("hola"), servicesView(t))
	if serr == nil || serr.Kind != models.ErrLLMUnavailable {
		t.Fatalf("serr = %v, want llm_unavailable", serr)
	}
}

func TestExtract_PromptCarriesManifestSlots(t *testing.T) {
	m := &mockClient{replies: []string{`{"intent":"other","confidence":0.5,"slots":{}}`}}
	e := extractor.New(m, "slm-extractor", 300*time.Millisecond)

	e.Extract(context.Background(), snapshot("algo"), servicesView(t))
	if len(m.calls) != 1 {
		t.Fatalf("calls = %d", len(m.calls))
	}
	sys := m.calls[0].System
	for _, want := range []string{"service_type", "preferred_date", "Salón Rosa"} {
		if !containsStr(sys, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if m.calls[0].Schema != llm.SchemaExtractorV1 {
		t.Errorf("Schema = %q, want extractor_v1", m.calls[0].Schema)
	}
}

func containsStr(s, sub string) bool {
	return strings.Contains(s, sub)
}
