package expressions

import (
	"encoding/json"
	"strconv"

	"github.com/renfold/weft/pkg/schema"
)

// Kind discriminates the shapes a resolved template value can take.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged wrapper around JSON-shaped data. Navigation into a Value
// is explicit: selecting a field on a non-map or indexing a non-list fails
// with a TYPE_MISMATCH error instead of silently yielding null.
type Value struct {
	kind Kind
	raw  any
}

// FromAny wraps a JSON-shaped Go value. Integer types are normalized to
// float64 so numbers compare uniformly regardless of their decoding path.
func FromAny(v any) Value {
	switch val := v.(type) {
	case nil:
		return Value{kind: KindNull}
	case string:
		return Value{kind: KindString, raw: val}
	case bool:
		return Value{kind: KindBool, raw: val}
	case float64:
		return Value{kind: KindNumber, raw: val}
	case float32:
		return Value{kind: KindNumber, raw: float64(val)}
	case int:
		return Value{kind: KindNumber, raw: float64(val)}
	case int32:
		return Value{kind: KindNumber, raw: float64(val)}
	case int64:
		return Value{kind: KindNumber, raw: float64(val)}
	case []any:
		return Value{kind: KindList, raw: val}
	case map[string]any:
		return Value{kind: KindMap, raw: val}
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return Value{kind: KindString, raw: val.String()}
		}
		return Value{kind: KindNumber, raw: f}
	default:
		// Unknown shapes round-trip through JSON to land on a supported kind.
		data, err := json.Marshal(v)
		if err != nil {
			return Value{kind: KindString, raw: ""}
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return Value{kind: KindString, raw: string(data)}
		}
		return FromAny(decoded)
	}
}

// Kind returns the value's discriminator.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is absent.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Interface unwraps the value back to its JSON-shaped Go form.
func (v Value) Interface() any { return v.raw }

// Field selects a named key from a map value.
func (v Value) Field(name string) (Value, error) {
	if v.kind != KindMap {
		return Value{}, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"cannot select field %q on %s value", name, v.kind)
	}
	m := v.raw.(map[string]any)
	child, ok := m[name]
	if !ok {
		return Value{}, schema.NewErrorf(schema.ErrCodeUndefinedRef,
			"field %q not found", name)
	}
	return FromAny(child), nil
}

// Index selects a position from a list value.
func (v Value) Index(i int) (Value, error) {
	if v.kind != KindList {
		return Value{}, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"cannot index into %s value", v.kind)
	}
	list := v.raw.([]any)
	if i < 0 || i >= len(list) {
		return Value{}, schema.NewErrorf(schema.ErrCodeUndefinedRef,
			"index %d out of range (length %d)", i, len(list))
	}
	return FromAny(list[i]), nil
}

// AsList unwraps a list value, failing with TYPE_MISMATCH otherwise.
func (v Value) AsList() ([]any, error) {
	if v.kind != KindList {
		return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"expected list, got %s", v.kind)
	}
	return v.raw.([]any), nil
}

// Stringify renders the value for embedding inside a larger string.
// Null renders as the empty string so absent references concatenate cleanly.
func (v Value) Stringify() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindString:
		return v.raw.(string)
	case KindNumber:
		return strconv.FormatFloat(v.raw.(float64), 'f', -1, 64)
	case KindBool:
		if v.raw.(bool) {
			return "true"
		}
		return "false"
	default:
		data, err := json.Marshal(v.raw)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
