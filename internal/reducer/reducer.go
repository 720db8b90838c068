// Package reducer folds tool observations into the slot patch the workflow
// engine applies to the store. Pure function, no I/O.
package reducer

import (
	"sort"
	"strings"

	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

// Reduce builds the patch for one turn.
//
// Rules, in order: extraction slots seed slots_set; each ok observation
// merges its declared produces fields (later observations win on collision);
// failed observations never unset existing values; stale data beats an
// empty slot here; successful side-effecting observations contribute their
// invalidates keys and clears lists. slots_set and slots_unset stay disjoint.
func Reduce(snapSlots models.SlotMap, ext models.Extraction, observations []models.Observation, view *manifest.View) models.Patch {
	patch := models.EmptyPatch()

	for name, value := range ext.Slots {
		if strings.HasPrefix(name, "_") {
			continue
		}
		patch.SlotsSet[name] = value
	}

	unset := map[string]bool{}
	invalidated := map[string]bool{}

	for _, obs := range observations {
		if !obs.OK() {
			continue
		}
		spec, ok := view.Tool(obs.Tool)
		if !ok {
			continue
		}
		for _, produced := range spec.Produces {
			raw, present := obs.Data[produced]
			if !present || strings.HasPrefix(produced, "_") {
				continue
			}
			value, err := models.SlotValueFromAny(raw)
			if err != nil {
				continue
			}
			patch.SlotsSet[produced] = value
		}
		if spec.SideEffect {
			for _, key := range spec.Invalidates {
				invalidated[key] = true
			}
			for _, name := range spec.Clears {
				unset[name] = true
			}
		}
	}

	for name := range unset {
		if _, set := patch.SlotsSet[name]; set {
			// A produced value outranks a clear from the same turn.
			continue
		}
		if _, exists := snapSlots[name]; !exists {
			// Nothing to remove.
			continue
		}
		patch.SlotsUnset = append(patch.SlotsUnset, name)
	}
	for key := range invalidated {
		patch.CacheInvalidationKeys = append(patch.CacheInvalidationKeys, key)
	}

	sort.Strings(patch.SlotsUnset)
	sort.Strings(patch.CacheInvalidationKeys)

	return patch
}
