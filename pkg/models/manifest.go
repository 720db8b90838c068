package models

// IdempotencyScheme selects how the broker derives the idempotency key it
// presents to the tool executor.
type IdempotencyScheme string

const (
	// IdempotencyRequestID reuses the inbound request id: every retry of any
	// call for this request presents the same key.
	IdempotencyRequestID IdempotencyScheme = "request_id"
	// IdempotencyArgHash keys on a stable hash of the canonical args, so two
	// distinct calls in one request get distinct keys.
	IdempotencyArgHash IdempotencyScheme = "arg_hash"
)

// ArgSpec declares one tool argument.
type ArgSpec struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"` // string|number|bool|list|object
	Required bool   `yaml:"required" json:"required"`
}

// RetryPolicy bounds the broker attempt loop for one tool.
type RetryPolicy struct {
	MaxAttempts   int `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoffMs int `yaml:"base_backoff_ms" json:"base_backoff_ms"`
}

// CircuitPolicy configures the per-tool circuit breaker.
type CircuitPolicy struct {
	Threshold  int `yaml:"threshold" json:"threshold"`
	CooldownMs int `yaml:"cooldown_ms" json:"cooldown_ms"`
}

// IdempotencyPolicy declares how the dedup key is derived. It carries no
// separate retry-safety flag: the broker retries every tool per its
// RetryPolicy, whatever the scheme.
type IdempotencyPolicy struct {
	Scheme IdempotencyScheme `yaml:"scheme" json:"scheme"`
}

// ToolSpec is the frozen per-vertical descriptor of one tool.
type ToolSpec struct {
	Name        string            `yaml:"name" json:"name"`
	Args        []ArgSpec         `yaml:"args" json:"args"`
	Produces    []string          `yaml:"produces" json:"produces"`
	Requires    []string          `yaml:"requires" json:"requires"`
	TimeoutMs   int               `yaml:"timeout_ms" json:"timeout_ms"`
	Retries     RetryPolicy       `yaml:"retries" json:"retries"`
	Circuit     CircuitPolicy     `yaml:"circuit" json:"circuit"`
	Idempotency IdempotencyPolicy `yaml:"idempotency" json:"idempotency"`
	Invalidates []string          `yaml:"invalidates" json:"invalidates"`
	Clears      []string          `yaml:"clears" json:"clears"`
	// SideEffect marks tools that mutate remote state. Only these are echoed
	// in DecideResponse.ToolCalls for the workflow engine's record.
	SideEffect bool `yaml:"side_effect" json:"side_effect"`
	// After names a tool this one must run strictly after, in addition to
	// any $prev arg references the broker discovers.
	After string `yaml:"after" json:"after,omitempty"`
}

// Arg returns the declared arg spec by name.
func (t ToolSpec) Arg(name string) (ArgSpec, bool) {
	for _, a := range t.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgSpec{}, false
}

// GuardrailSpec is one per-vertical hard limit, expressed as an expression
// over the merged slot/arg environment. A rule that evaluates to false is a
// violation.
type GuardrailSpec struct {
	Name    string `yaml:"name" json:"name"`
	Rule    string `yaml:"rule" json:"rule"`
	Message string `yaml:"message" json:"message"`
}

// VerticalManifest is the frozen tool set and guardrails for one vertical.
type VerticalManifest struct {
	Vertical   Vertical        `yaml:"vertical" json:"vertical"`
	Tools      []ToolSpec      `yaml:"tools" json:"tools"`
	Guardrails []GuardrailSpec `yaml:"guardrails" json:"guardrails"`
}

// Tool returns the tool spec by name.
func (m VerticalManifest) Tool(name string) (ToolSpec, bool) {
	for _, t := range m.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSpec{}, false
}

// SlotNames returns every slot name any tool in the manifest produces or
// requires, used by the extractor prompt.
func (m VerticalManifest) SlotNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, t := range m.Tools {
		for _, s := range append(append([]string{}, t.Produces...), t.Requires...) {
			if !seen[s] {
				seen[s] = true
				names = append(names, s)
			}
		}
	}
	return names
}
