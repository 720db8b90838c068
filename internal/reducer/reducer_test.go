package reducer_test

import (
	"testing"

	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/internal/reducer"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

func servicesView(t *testing.T) *manifest.View {
	t.Helper()
	s, err := manifest.NewStore("")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s.Get(models.VerticalServices)
}

func TestReduce_ExtractionSeedsSlots(t *testing.T) {
	ext := models.Extraction{
		Intent: models.IntentBook,
		Slots:  models.SlotMap{"service_type": models.String("Corte")},
	}
	patch := reducer.Reduce(models.SlotMap{}, ext, nil, servicesView(t))

	if got, _ := patch.SlotsSet.GetString("service_type"); got != "Corte" {
		t.Errorf("slots_set.service_type = %q, want Corte", got)
	}
	if len(patch.SlotsUnset) != 0 {
		t.Errorf("slots_unset = %v, want empty", patch.SlotsUnset)
	}
}

func TestReduce_ObservationProducesMerged(t *testing.T) {
	obs := []models.Observation{{
		Tool:   "booking_create",
		Status: models.ObservationOK,
		Data:   map[string]any{"booking_id": "bk-7", "booking_status": "confirmed", "extra": "ignored"},
	}}
	patch := reducer.Reduce(models.SlotMap{}, models.Extraction{Slots: models.SlotMap{}}, obs, servicesView(t))

	if got, _ := patch.SlotsSet.GetString("booking_id"); got != "bk-7" {
		t.Errorf("booking_id = %q, want bk-7", got)
	}
	if got, _ := patch.SlotsSet.GetString("booking_status"); got != "confirmed" {
		t.Errorf("booking_status = %q, want confirmed", got)
	}
	if _, ok := patch.SlotsSet["extra"]; ok {
		t.Error("field outside the tool's produces list leaked into the patch")
	}
}

func TestReduce_LaterObservationWinsOnCollision(t *testing.T) {
	obs := []models.Observation{
		{Tool: "booking_create", Status: models.ObservationOK, Data: map[string]any{"booking_status": "pending"}},
		{Tool: "booking_reschedule", Status: models.ObservationOK, Data: map[string]any{"booking_status": "rescheduled"}},
	}
	patch := reducer.Reduce(models.SlotMap{}, models.Extraction{Slots: models.SlotMap{}}, obs, servicesView(t))

	if got, _ := patch.SlotsSet.GetString("booking_status"); got != "rescheduled" {
		t.Errorf("booking_status = %q, want rescheduled (later wins)", got)
	}
}

func TestReduce_FailureNeverUnsets(t *testing.T) {
	snapSlots := models.SlotMap{"available_slots": models.List(models.String("10:00"))}
	obs := []models.Observation{{
		Tool:   "availability_check",
		Status: models.ObservationTimeout,
	}}
	patch := reducer.Reduce(snapSlots, models.Extraction{Slots: models.SlotMap{}}, obs, servicesView(t))

	if len(patch.SlotsUnset) != 0 {
		t.Errorf("slots_unset = %v; a failed observation must keep stale data", patch.SlotsUnset)
	}
	if _, ok := patch.SlotsSet["available_slots"]; ok {
		t.Error("failed observation should not write available_slots either")
	}
}

func TestReduce_SuccessfulWriteInvalidatesCaches(t *testing.T) {
	obs := []models.Observation{{
		Tool:   "booking_create",
		Status: models.ObservationOK,
		Data:   map[string]any{"booking_id": "bk-1"},
	}}
	patch := reducer.Reduce(models.SlotMap{}, models.Extraction{Slots: models.SlotMap{}}, obs, servicesView(t))

	if len(patch.CacheInvalidationKeys) != 1 || patch.CacheInvalidationKeys[0] != "availability" {
		t.Errorf("cache_invalidation_keys = %v, want [availability]", patch.CacheInvalidationKeys)
	}
}

func TestReduce_ReadOnlySuccessDoesNotInvalidate(t *testing.T) {
	obs := []models.Observation{{
		Tool:   "availability_check",
		Status: models.ObservationOK,
		Data:   map[string]any{"available_slots": []any{"10:00"}},
	}}
	patch := reducer.Reduce(models.SlotMap{}, models.Extraction{Slots: models.SlotMap{}}, obs, servicesView(t))

	if len(patch.CacheInvalidationKeys) != 0 {
		t.Errorf("cache_invalidation_keys = %v, want empty for read-only tool", patch.CacheInvalidationKeys)
	}
}

func TestReduce_ClearsProduceDisjointUnset(t *testing.T) {
	snapSlots := models.SlotMap{
		"booking_id":     models.String("bk-1"),
		"preferred_date": models.String("2026-08-02"),
	}
	obs := []models.Observation{{
		Tool:   "booking_cancel",
		Status: models.ObservationOK,
		Data:   map[string]any{"booking_status": "cancelled"},
	}}
	patch := reducer.Reduce(snapSlots, models.Extraction{Slots: models.SlotMap{}}, obs, servicesView(t))

	unset := map[string]bool{}
	for _, name := range patch.SlotsUnset {
		unset[name] = true
	}
	if !unset["booking_id"] || !unset["preferred_date"] {
		t.Errorf("slots_unset = %v, want booking_id and preferred_date cleared", patch.SlotsUnset)
	}
	for name := range patch.SlotsSet {
		if unset[name] {
			t.Errorf("slot %q is both set and unset", name)
		}
	}
}

func TestReduce_ReservedKeysNeverSetFromExtraction(t *testing.T) {
	ext := models.Extraction{Slots: models.SlotMap{"_counter": models.Number(3), "service_type": models.String("Corte")}}
	patch := reducer.Reduce(models.SlotMap{}, ext, nil, servicesView(t))

	if _, ok := patch.SlotsSet["_counter"]; ok {
		t.Error("reserved key leaked from extraction into slots_set")
	}
	if _, ok := patch.SlotsSet["service_type"]; !ok {
		t.Error("regular slot missing")
	}
}
