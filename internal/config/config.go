package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the orchestrator core.
type Config struct {
	Port      int
	Version   string
	Telemetry TelemetryConfig
	LLM       LLMConfig
	Canary    CanaryConfig
	Pipeline  PipelineConfig
	Tools     ToolsConfig
	Limits    LimitsConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type LLMConfig struct {
	BaseURL        string
	APIKey         string
	ExtractorModel string
	PlannerModel   string
	ResponseModel  string
	LegacyModel    string
}

// CanaryConfig is the runtime split between the SLM pipeline and the legacy
// fallback. It is read atomically by the pipeline; operator writes swap the
// whole struct.
type CanaryConfig struct {
	EnableSLMPipeline bool `json:"enable_slm_pipeline"`
	CanaryPercent     int  `json:"canary_percent"`
}

type PipelineConfig struct {
	ConfidenceThreshold float64
	ExtractorTimeout    time.Duration
	PlannerTimeout      time.Duration
	BrokerTimeout       time.Duration
	TotalTimeout        time.Duration
	FallbackToLLM       bool // allow NLG to call the response model when no template fits
	MaxToolCalls        int
	ObservationWindow   int
}

type ToolsConfig struct {
	ExecutorURL string
	ManifestDir string
	MaxParallel int64 // per-request broker fan-out cap
}

type LimitsConfig struct {
	WorkerPool int     // concurrent decide requests
	RateRPS    float64 // sustained requests per second, 0 disables
	RateBurst  int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ORCHESTRATOR_PORT", 8080),
		Version: envStr("ORCHESTRATOR_VERSION", "0.4.0"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "atiendo-orchestrator"),
		},
		LLM: LLMConfig{
			BaseURL:        envStr("LLM_BASE_URL", "http://localhost:8000/v1"),
			APIKey:         envStr("LLM_API_KEY", ""),
			ExtractorModel: envStr("SLM_EXTRACTOR_MODEL", "slm-extractor-es"),
			PlannerModel:   envStr("SLM_PLANNER_MODEL", "slm-planner-es"),
			ResponseModel:  envStr("SLM_RESPONSE_MODEL", "slm-response-es"),
			LegacyModel:    envStr("LEGACY_MODEL", "assistant-monolith"),
		},
		Canary: CanaryConfig{
			EnableSLMPipeline: envBool("ENABLE_SLM_PIPELINE", false),
			CanaryPercent:     clampPercent(envInt("SLM_CANARY_PERCENT", 0)),
		},
		Pipeline: PipelineConfig{
			ConfidenceThreshold: envFloat("SLM_CONFIDENCE_THRESHOLD", 0.7),
			ExtractorTimeout:    envMs("SLM_EXTRACTOR_TIMEOUT_MS", 300),
			PlannerTimeout:      envMs("SLM_PLANNER_TIMEOUT_MS", 300),
			BrokerTimeout:       envMs("SLM_BROKER_TIMEOUT_MS", 8000),
			TotalTimeout:        envMs("SLM_TOTAL_TIMEOUT_MS", 10000),
			FallbackToLLM:       envBool("SLM_FALLBACK_TO_LLM", true),
			MaxToolCalls:        envInt("SLM_MAX_TOOL_CALLS", 3),
			ObservationWindow:   envInt("SLM_OBSERVATION_WINDOW", 5),
		},
		Tools: ToolsConfig{
			ExecutorURL: envStr("TOOL_EXECUTOR_URL", "http://localhost:9090/tools/execute"),
			ManifestDir: envStr("MANIFEST_DIR", ""),
			MaxParallel: int64(envInt("BROKER_MAX_PARALLEL", 8)),
		},
		Limits: LimitsConfig{
			WorkerPool: envInt("WORKER_POOL_SIZE", 32),
			RateRPS:    envFloat("RATE_LIMIT_RPS", 0),
			RateBurst:  envInt("RATE_LIMIT_BURST", 64),
		},
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envMs(key string, fallbackMs int) time.Duration {
	return time.Duration(envInt(key, fallbackMs)) * time.Millisecond
}
