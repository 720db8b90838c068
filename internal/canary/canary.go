// Package canary implements the deterministic split between the SLM pipeline
// and the legacy single-shot fallback.
//
// The split is hash-based, never random: the same conversation always lands
// on the same branch for a given config, so A/B measurements are free of
// within-conversation contamination. The hash is the standard 64-bit FNV-1a
// over the UTF-8 bytes of the conversation id, which is stable across process
// restarts and implementations.
package canary

import (
	"hash/fnv"

	"github.com/atiendo/atiendo/orchestrator/internal/config"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

// Bucket returns the conversation's stable bucket in [0, 100).
func Bucket(conversationID string) int {
	h := fnv.New64a()
	h.Write([]byte(conversationID))
	return int(h.Sum64() % 100)
}

// Route picks the decision path for a conversation under the given config.
// Pure function; percent 0 routes everything legacy, 100 everything SLM.
func Route(conversationID string, cfg config.CanaryConfig) models.Route {
	if !cfg.EnableSLMPipeline {
		return models.RouteLegacy
	}
	if Bucket(conversationID) < cfg.CanaryPercent {
		return models.RouteSLMPipeline
	}
	return models.RouteLegacy
}
