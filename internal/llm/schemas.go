package llm

import "github.com/santhosh-tekuri/jsonschema/v5"

// Frozen stage schemas. The backend receives the schema name with every call
// and may reject on mismatch; we validate the reply locally regardless, so a
// backend that ignores the identifier still cannot hand a bad shape to the
// pipeline.

const (
	SchemaExtractorV1 = "extractor_v1"
	SchemaPlannerV1   = "planner_v1"
	SchemaLegacyV1    = "legacy_v1"
	SchemaNLGV1       = "nlg_v1"
)

const extractorV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["intent", "confidence", "slots"],
  "additionalProperties": false,
  "properties": {
    "intent": {
      "enum": ["greeting", "info_hours", "info_price", "book", "cancel", "reschedule", "other"]
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "slots": {"type": "object"}
  }
}`

const plannerV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tool_calls", "requires_user_response"],
  "additionalProperties": false,
  "properties": {
    "tool_calls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["tool", "args"],
        "additionalProperties": false,
        "properties": {
          "tool": {"type": "string", "minLength": 1},
          "args": {"type": "object"}
        }
      }
    },
    "requires_user_response": {"type": "boolean"}
  }
}`

const legacyV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["assistant_text", "tool_calls", "patch"],
  "additionalProperties": false,
  "properties": {
    "assistant_text": {"type": "string"},
    "tool_calls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["tool", "args"],
        "properties": {
          "tool": {"type": "string", "minLength": 1},
          "args": {"type": "object"}
        }
      }
    },
    "patch": {
      "type": "object",
      "properties": {
        "slots": {"type": "object"},
        "slots_to_remove": {"type": "array", "items": {"type": "string"}},
        "cache_invalidation_keys": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

const nlgV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["text"],
  "additionalProperties": false,
  "properties": {
    "text": {"type": "string", "minLength": 1}
  }
}`

var schemas = map[string]*jsonschema.Schema{
	SchemaExtractorV1: jsonschema.MustCompileString(SchemaExtractorV1+".json", extractorV1),
	SchemaPlannerV1:   jsonschema.MustCompileString(SchemaPlannerV1+".json", plannerV1),
	SchemaLegacyV1:    jsonschema.MustCompileString(SchemaLegacyV1+".json", legacyV1),
	SchemaNLGV1:       jsonschema.MustCompileString(SchemaNLGV1+".json", nlgV1),
}

// Schema returns the compiled schema by name.
func Schema(name string) (*jsonschema.Schema, bool) {
	s, ok := schemas[name]
	return s, ok
}
