package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

/*
 * Typed values for condition operands and parameter bags.
 *
 * A Value holds exactly one of four kinds: string, number, boolean or
 * timestamp. Bare JSON/YAML scalars decode to the first three kinds. A
 * timestamp is written as {"timestamp": "<RFC3339>"} so it never collides
 * with a plain string that happens to look like a date.
 */

// ValueKind enumerates the closed set of value kinds.
type ValueKind string

const (
	KindString    ValueKind = "string"
	KindNumber    ValueKind = "number"
	KindBoolean   ValueKind = "boolean"
	KindTimestamp ValueKind = "timestamp"
)

// Value is a tagged scalar.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
}

// Params is a typed key to value map used for trigger and action parameters.
type Params map[string]Value

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// Timestamp returns a timestamp Value normalized to UTC.
func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t.UTC()} }

// IsZero reports whether v holds no kind.
func (v Value) IsZero() bool { return v.Kind == "" }

// Text renders the value the way condition comparisons see it.
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindTimestamp:
		return v.Time.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// Native converts the value to a plain Go value (string, float64, bool, time.Time).
func (v Value) Native() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBoolean:
		return v.Bool
	case KindTimestamp:
		return v.Time
	default:
		return nil
	}
}

// ValueOf converts a decoded JSON scalar (or time.Time) into a Value.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case bool:
		return Bool(t), nil
	case time.Time:
		return Timestamp(t), nil
	case map[string]any:
		if raw, ok := t["timestamp"].(string); ok && len(t) == 1 {
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return Value{}, fmt.Errorf("timestamp %q: %w", raw, err)
			}
			return Timestamp(ts), nil
		}
	}
	return Value{}, fmt.Errorf("unsupported value %T", x)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindTimestamp {
		return json.Marshal(map[string]string{"timestamp": v.Time.Format(time.RFC3339Nano)})
	}
	return json.Marshal(v.Native())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (v Value) MarshalYAML() (any, error) {
	if v.Kind == KindTimestamp {
		return map[string]string{"timestamp": v.Time.Format(time.RFC3339Nano)}, nil
	}
	return v.Native(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler. YAML timestamps in plain scalar
// form stay strings; only the explicit mapping form yields a timestamp.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!int", "!!float":
			f, err := strconv.ParseFloat(node.Value, 64)
			if err != nil {
				return fmt.Errorf("number %q: %w", node.Value, err)
			}
			*v = Number(f)
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return err
			}
			*v = Bool(b)
		default:
			*v = String(node.Value)
		}
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		raw, ok := m["timestamp"]
		if !ok || len(m) != 1 {
			return fmt.Errorf("line %d: mapping value must be {timestamp: <RFC3339>}", node.Line)
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("line %d: timestamp %q: %w", node.Line, raw, err)
		}
		*v = Timestamp(ts)
		return nil
	default:
		return fmt.Errorf("line %d: unsupported value", node.Line)
	}
}

// Clone returns a copy of p that shares no map with it.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Get returns the string form of key, or "" when absent.
func (p Params) Get(key string) string {
	v, ok := p[key]
	if !ok {
		return ""
	}
	return v.Text()
}

// Natives converts the bag to plain Go values.
func (p Params) Natives() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Native()
	}
	return out
}
