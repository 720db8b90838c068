package canary_test

import (
	"fmt"
	"testing"

	"github.com/atiendo/atiendo/orchestrator/internal/canary"
	"github.com/atiendo/atiendo/orchestrator/internal/config"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

func TestRoute_DisabledAlwaysLegacy(t *testing.T) {
	cfg := config.CanaryConfig{EnableSLMPipeline: false, CanaryPercent: 100}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("conv-%d", i)
		if got := canary.Route(id, cfg); got != models.RouteLegacy {
			t.Fatalf("Route(%q) with pipeline disabled = %q, want legacy", id, got)
		}
	}
}

func TestRoute_ZeroPercentAlwaysLegacy(t *testing.T) {
	cfg := config.CanaryConfig{EnableSLMPipeline: true, CanaryPercent: 0}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("conv-%d", i)
		if got := canary.Route(id, cfg); got != models.RouteLegacy {
			t.Fatalf("Route(%q) at 0%% = %q, want legacy", id, got)
		}
	}
}

func TestRoute_HundredPercentAlwaysSLM(t *testing.T) {
	cfg := config.CanaryConfig{EnableSLMPipeline: true, CanaryPercent: 100}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("conv-%d", i)
		if got := canary.Route(id, cfg); got != models.RouteSLMPipeline {
			t.Fatalf("Route(%q) at 100%% = %q, want slm_pipeline", id, got)
		}
	}
}

func TestRoute_DeterministicPerConversation(t *testing.T) {
	cfg := config.CanaryConfig{EnableSLMPipeline: true, CanaryPercent: 10}
	first := canary.Route("wa-549911234567", cfg)
	for i := 0; i < 100; i++ {
		if got := canary.Route("wa-549911234567", cfg); got != first {
			t.Fatalf("request %d routed %q, first routed %q", i, got, first)
		}
	}
}

func TestRoute_DistributionWithinTwoPoints(t *testing.T) {
	cfg := config.CanaryConfig{EnableSLMPipeline: true, CanaryPercent: 10}
	slm := 0
	const n = 10000
	for i := 0; i < n; i++ {
		if canary.Route(fmt.Sprintf("conversation-%d", i), cfg) == models.RouteSLMPipeline {
			slm++
		}
	}
	share := float64(slm) / n * 100
	if share < 8 || share > 12 {
		t.Errorf("SLM share = %.2f%%, want 10%% +/- 2pp", share)
	}
}

func TestBucket_Stable(t *testing.T) {
	// FNV-1a is fixed by spec; a changed constant would silently reshuffle
	// every live canary cohort.
	if b := canary.Bucket(""); b != canary.Bucket("") {
		t.Fatalf("Bucket not deterministic: %d", b)
	}
	got := canary.Bucket("hola")
	for i := 0; i < 10; i++ {
		if canary.Bucket("hola") != got {
			t.Fatal("Bucket varies across calls")
		}
	}
	if got < 0 || got > 99 {
		t.Fatalf("Bucket out of range: %d", got)
	}
	// 64-bit FNV-1a("hola") mod 100.
	if got != 99 {
		t.Fatalf("Bucket(\"hola\") = %d, want 99", got)
	}
}
