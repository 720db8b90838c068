// Package models defines the entities that flow through the decision
// pipeline: the per-request Snapshot, the stage outputs (Extraction, Plan,
// Decision, Observation), the Patch handed back to the workflow engine, and
// the HTTP wire types. Stage outputs are modelled as closed Go types rather
// than open maps so that a malformed shape is a compile error, not a runtime
// surprise.
package models

// Vertical selects the manifest and prompt set for a workspace.
type Vertical string

const (
	VerticalGastronomy Vertical = "gastronomy"
	VerticalRealEstate Vertical = "real-estate"
	VerticalServices   Vertical = "services"
	VerticalECommerce  Vertical = "e-commerce"
	VerticalGeneric    Vertical = "generic"
)

// Verticals lists every known vertical tag.
var Verticals = []Vertical{
	VerticalGastronomy,
	VerticalRealEstate,
	VerticalServices,
	VerticalECommerce,
	VerticalGeneric,
}

// Valid reports whether v is a known vertical tag.
func (v Vertical) Valid() bool {
	for _, known := range Verticals {
		if v == known {
			return true
		}
	}
	return false
}

// Route identifies which decision path served a request.
type Route string

const (
	RouteSLMPipeline Route = "slm_pipeline"
	RouteLegacy      Route = "legacy"
	RouteError       Route = "error"
)

// Intent is the coarse classification of the user's purpose for one turn.
type Intent string

const (
	IntentGreeting   Intent = "greeting"
	IntentInfoHours  Intent = "info_hours"
	IntentInfoPrice  Intent = "info_price"
	IntentBook       Intent = "book"
	IntentCancel     Intent = "cancel"
	IntentReschedule Intent = "reschedule"
	IntentOther      Intent = "other"
)

// Intents lists the full intent set. Every vertical draws from this set;
// prompts narrow it per vertical but the type does not.
var Intents = []Intent{
	IntentGreeting,
	IntentInfoHours,
	IntentInfoPrice,
	IntentBook,
	IntentCancel,
	IntentReschedule,
	IntentOther,
}

// Valid reports whether i is a known intent.
func (i Intent) Valid() bool {
	for _, known := range Intents {
		if i == known {
			return true
		}
	}
	return false
}

// Snapshot is the immutable per-request input bundle. It is constructed once
// by the request adapter and passed by value to every stage; no stage may
// mutate it. Reserved internal slots (leading underscore on the wire) are
// split into Internal so that prompts and NLG never see them.
type Snapshot struct {
	TenantID       string
	ChannelID      string
	ConversationID string
	RequestID      string
	Vertical       Vertical
	BusinessName   string
	Locale         string
	UserMessage    string
	FSMState       string // empty when the conversation has no FSM state
	Slots          SlotMap
	Internal       SlotMap
	Observations   []Observation // bounded recent window, newest last
}

// Extraction is the extractor stage output.
type Extraction struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Slots      SlotMap `json:"slots"`
}

// ToolCall is one planned tool invocation. Args is the raw JSON object the
// planner produced; Policy validates it against the manifest before the
// broker ever sees it.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Plan is the planner stage output.
type Plan struct {
	Calls                []ToolCall `json:"tool_calls"`
	RequiresUserResponse bool       `json:"requires_user_response"`
}

// DecisionKind tags the policy verdict.
type DecisionKind string

const (
	DecisionExecute DecisionKind = "execute"
	DecisionAskUser DecisionKind = "ask_user"
	DecisionHandoff DecisionKind = "handoff"
	DecisionDeny    DecisionKind = "deny"
)

// Decision is the policy engine verdict. Exactly the fields for the tagged
// kind are populated: Calls for execute, PromptHint/MissingSlots for
// ask_user, Reason for handoff and deny.
type Decision struct {
	Kind         DecisionKind
	Calls        []ToolCall
	PromptHint   string
	MissingSlots []string
	Reason       string
	// Internal carries reserved-key slot writes the decision produced (the
	// guardrail offence counter); the pipeline folds it into the patch.
	Internal SlotMap
}

// ObservationStatus is the terminal status of one tool execution.
type ObservationStatus string

const (
	ObservationOK          ObservationStatus = "ok"
	ObservationFailed      ObservationStatus = "failed"
	ObservationTimeout     ObservationStatus = "timeout"
	ObservationCircuitOpen ObservationStatus = "circuit_open"
	ObservationDenied      ObservationStatus = "denied"
)

// Observation records the outcome of executing one tool call.
type Observation struct {
	Tool      string            `json:"tool"`
	Status    ObservationStatus `json:"status"`
	LatencyMs int64             `json:"latency_ms"`
	Data      map[string]any    `json:"data,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Attempts  int               `json:"attempts"`
}

// OK reports whether the observation carries usable data.
func (o Observation) OK() bool { return o.Status == ObservationOK }

// Patch is the sole write contract back to the workflow engine.
// SlotsSet and SlotsUnset are disjoint by construction in the reducer.
type Patch struct {
	SlotsSet              SlotMap  `json:"slots"`
	SlotsUnset            []string `json:"slots_to_remove"`
	CacheInvalidationKeys []string `json:"cache_invalidation_keys"`
}

// EmptyPatch returns a patch with allocated, empty collections so it
// serialises as {} / [] rather than null.
func EmptyPatch() Patch {
	return Patch{
		SlotsSet:              SlotMap{},
		SlotsUnset:            []string{},
		CacheInvalidationKeys: []string{},
	}
}

// Telemetry is the per-request timing block included in every response.
type Telemetry struct {
	Route       Route    `json:"route"`
	ExtractorMs int64    `json:"extractor_ms"`
	PlannerMs   int64    `json:"planner_ms"`
	PolicyMs    int64    `json:"policy_ms"`
	BrokerMs    int64    `json:"broker_ms"`
	ReducerMs   int64    `json:"reducer_ms"`
	NLGMs       int64    `json:"nlg_ms"`
	TotalMs     int64    `json:"total_ms"`
	Intent      Intent   `json:"intent,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// Assistant is the user-facing half of a DecideResponse.
type Assistant struct {
	Text             string   `json:"text"`
	SuggestedReplies []string `json:"suggested_replies,omitempty"`
}

// DecideResponse is the full decision for one inbound user message.
// ToolCalls carries only side-effecting calls the broker already executed;
// read-only calls are consumed internally and never re-emitted.
type DecideResponse struct {
	Assistant Assistant  `json:"assistant"`
	ToolCalls []ToolCall `json:"tool_calls"`
	Patch     Patch      `json:"patch"`
	Telemetry Telemetry  `json:"telemetry"`
}
