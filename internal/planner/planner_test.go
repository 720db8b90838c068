package planner_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/atiendo/atiendo/orchestrator/internal/llm"
	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/internal/planner"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

type mockClient struct {
	replies []string
	calls   []llm.Request
}

func (m *mockClient) CompleteJSON(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	m.calls = append(m.calls, req)
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

func TestPlan_ParsesToolCalls(t *testing.T) {
	m := &mockClient{replies: []string{
		`{"tool_calls":[{"tool":"availability_check","args":{"service_type":"Corte","preferred_date":"2026-08-02"}},{"tool":"booking_create","args":{}}],"requires_user_response":true}`,
	}}
	p := planner.New(m, "slm-planner", 300*time.Millisecond, 3)

	snap := models.Snapshot{UserMessage: "reservá corte mañana", Slots: models.SlotMap{}, Vertical: models.VerticalServices}
	ext := models.Extraction{Intent: models.IntentBook, Confidence: 0.9, Slots: models.SlotMap{}}

	plan, serr := p.Plan(context.Background(), snap, ext, servicesView(t))
	if serr != nil {
		t.Fatalf("Plan() error = %v", serr)
	}
	if len(plan.Calls) != 2 {
		t.Fatalf("len(Calls) = %d, want 2", len(plan.Calls))
	}
	if plan.Calls[0].Tool != "availability_check" || plan.Calls[1].Tool != "booking_create" {
		t.Errorf("call order = %s, %s", plan.Calls[0].Tool, plan.Calls[1].Tool)
	}
	if !plan.RequiresUserResponse {
		t.Error("RequiresUserResponse lost")
	}
	if plan.Calls[1].Args == nil {
		t.Error("nil args should be normalised to an empty object")
	}
}

func TestPlan_PromptExposesManifestSurfaceOnly(t *testing.T) {
	m := &mockClient{replies: []string{`{"tool_calls":[],"requires_user_response":false}`}}
	p := planner.New(m, "slm-planner", 300*time.Millisecond, 3)

	snap := models.Snapshot{
		UserMessage: "hola",
		Slots:       models.SlotMap{},
		Observations: []models.Observation{
			{Tool: "catalog_lookup", Status: models.ObservationOK, Data: map[string]any{"services": []any{}}},
		},
		Vertical: models.VerticalServices,
	}
	p.Plan(context.Background(), snap, models.Extraction{Intent: models.IntentGreeting, Slots: models.SlotMap{}}, servicesView(t))

	if len(m.calls) != 1 {
		t.Fatalf("calls = %d", len(m.calls))
	}
	sys := m.calls[0].System
	for _, tool := range []string{"availability_check", "booking_create", "catalog_lookup"} {
		if !strings.Contains(sys, tool) {
			t.Errorf("system prompt missing tool %q", tool)
		}
	}
	if !strings.Contains(m.calls[0].User, "catalog_lookup") {
		t.Error("user prompt should carry recent observations")
	}
	if m.calls[0].Schema != llm.SchemaPlannerV1 {
		t.Errorf("Schema = %q, want planner_v1", m.calls[0].Schema)
	}
}

func TestPlan_SchemaInvalidAfterRepair(t *testing.T) {
	m := &mockClient{replies: []string{`{"tool_calls":"not-a-list"}`}}
	p := planner.New(m, "slm-planner", 300*time.Millisecond, 3)

	snap := models.Snapshot{UserMessage: "x", Slots: models.SlotMap{}, Vertical: models.VerticalServices}
	_, serr := p.Plan(context.Background(), snap, models.Extraction{Intent: models.IntentOther, Slots: models.SlotMap{}}, servicesView(t))
	if serr == nil || serr.Kind != models.ErrSchemaInvalid {
		t.Fatalf("serr = %v, want schema_invalid", serr)
	}
	if len(m.calls) != 2 {
		t.Errorf("calls = %d, want 2 (bounded repair)", len(m.calls))
	}
}
