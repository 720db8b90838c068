package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SlotKind tags a SlotValue variant.
type SlotKind uint8

const (
	SlotString SlotKind = iota
	SlotNumber
	SlotBool
	SlotList
	SlotMapKind
)

// SlotValue is a tagged union over the JSON-serialisable shapes a slot may
// hold: string, number, bool, list, or map. Slot maps are intrinsically
// heterogeneous, but they are never arbitrary JSON: no null, no nested
// surprises beyond these five kinds.
type SlotValue struct {
	Kind SlotKind
	Str  string
	Num  float64
	Bool bool
	List []SlotValue
	Map  map[string]SlotValue
}

// String builds a string slot value.
func String(s string) SlotValue { return SlotValue{Kind: SlotString, Str: s} }

// Number builds a numeric slot value.
func Number(n float64) SlotValue { return SlotValue{Kind: SlotNumber, Num: n} }

// Bool builds a boolean slot value.
func Bool(b bool) SlotValue { return SlotValue{Kind: SlotBool, Bool: b} }

// List builds a list slot value.
func List(items ...SlotValue) SlotValue { return SlotValue{Kind: SlotList, List: items} }

// ToAny converts the value to the natural encoding/json representation.
func (v SlotValue) ToAny() any {
	switch v.Kind {
	case SlotString:
		return v.Str
	case SlotNumber:
		return v.Num
	case SlotBool:
		return v.Bool
	case SlotList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.ToAny()
		}
		return out
	case SlotMapKind:
		out := make(map[string]any, len(v.Map))
		for k, item := range v.Map {
			out[k] = item.ToAny()
		}
		return out
	default:
		return nil
	}
}

// SlotValueFromAny converts a decoded JSON value into a SlotValue.
// Null and non-JSON types are rejected.
func SlotValueFromAny(raw any) (SlotValue, error) {
	switch t := raw.(type) {
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return SlotValue{}, fmt.Errorf("slot number %q: %w", t, err)
		}
		return Number(f), nil
	case bool:
		return Bool(t), nil
	case []any:
		list := make([]SlotValue, 0, len(t))
		for _, item := range t {
			sv, err := SlotValueFromAny(item)
			if err != nil {
				return SlotValue{}, err
			}
			list = append(list, sv)
		}
		return SlotValue{Kind: SlotList, List: list}, nil
	case map[string]any:
		m := make(map[string]SlotValue, len(t))
		for k, item := range t {
			sv, err := SlotValueFromAny(item)
			if err != nil {
				return SlotValue{}, err
			}
			m[k] = sv
		}
		return SlotValue{Kind: SlotMapKind, Map: m}, nil
	default:
		return SlotValue{}, fmt.Errorf("unsupported slot value type %T", raw)
	}
}

// MarshalJSON encodes the active variant.
func (v SlotValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON decodes into the matching variant.
func (v *SlotValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sv, err := SlotValueFromAny(raw)
	if err != nil {
		return err
	}
	*v = sv
	return nil
}

// Equal reports deep equality of two slot values.
func (v SlotValue) Equal(other SlotValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case SlotString:
		return v.Str == other.Str
	case SlotNumber:
		return v.Num == other.Num
	case SlotBool:
		return v.Bool == other.Bool
	case SlotList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(other.List[i]) {
				return false
			}
		}
		return true
	case SlotMapKind:
		if len(v.Map) != len(other.Map) {
			return false
		}
		for k, item := range v.Map {
			o, ok := other.Map[k]
			if !ok || !item.Equal(o) {
				return false
			}
		}
		return true
	}
	return false
}

// SlotMap is the string-keyed slot state of a conversation.
type SlotMap map[string]SlotValue

// SlotMapFromAny converts a decoded JSON object into a SlotMap.
func SlotMapFromAny(raw map[string]any) (SlotMap, error) {
	m := make(SlotMap, len(raw))
	for k, item := range raw {
		sv, err := SlotValueFromAny(item)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", k, err)
		}
		m[k] = sv
	}
	return m, nil
}

// ToAny converts the map to its natural encoding/json representation.
func (m SlotMap) ToAny() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.ToAny()
	}
	return out
}

// Clone returns a shallow copy (slot values are treated as immutable).
func (m SlotMap) Clone() SlotMap {
	out := make(SlotMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a new map with entries from other overriding entries of m.
func (m SlotMap) Merge(other SlotMap) SlotMap {
	out := m.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns the sorted key set, for deterministic iteration.
func (m SlotMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetString returns the string value of a slot, if present and a string.
func (m SlotMap) GetString(key string) (string, bool) {
	v, ok := m[key]
	if !ok || v.Kind != SlotString {
		return "", false
	}
	return v.Str, true
}

// GetNumber returns the numeric value of a slot, if present and a number.
func (m SlotMap) GetNumber(key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v.Kind != SlotNumber {
		return 0, false
	}
	return v.Num, true
}

// GetBool returns the boolean value of a slot, if present and a bool.
func (m SlotMap) GetBool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok || v.Kind != SlotBool {
		return false, false
	}
	return v.Bool, true
}
