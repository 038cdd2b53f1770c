package oplog

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
)

var ErrBadMutation = errors.New("unsupported mutation operator")

// Document is a schemaless record payload. Values hold whatever the feed's
// codec produced; numeric fields may arrive as different Go types depending
// on the codec, so comparisons normalize numbers before testing equality.
type Document map[string]any

// ID returns the document's "_id" field as a string, or "" when absent.
func (d Document) ID() string {
	v, ok := d["_id"]
	if !ok {
		return ""
	}
	return stringifyID(v)
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// Matches reports whether every field of selector is present in d with an
// equal value. An empty selector matches any document.
func (d Document) Matches(selector Document) bool {
	for k, want := range selector {
		got, ok := d[k]
		if !ok || !equalValue(got, want) {
			return false
		}
	}
	return true
}

// ApplyMutation returns the document that results from applying mutation
// to d. A mutation with no $-prefixed keys is a full replacement that keeps
// the original "_id"; otherwise each $-operator patches d in turn.
// Only operators whose effect is the same when re-applied are supported:
// $set and $unset. Anything else, $inc included, returns ErrBadMutation,
// since records may be redelivered after a restart and a relative operator
// would apply twice.
func (d Document) ApplyMutation(mutation Document) (Document, error) {
	if !hasOperators(mutation) {
		out := mutation.Clone()
		if _, ok := out["_id"]; !ok {
			if id, ok := d["_id"]; ok {
				out["_id"] = cloneValue(id)
			}
		}
		return out, nil
	}

	out := d.Clone()
	for op, arg := range mutation {
		fields, ok := arg.(map[string]any)
		if !ok {
			if fd, isDoc := arg.(Document); isDoc {
				fields = fd
			} else {
				return nil, fmt.Errorf("%w: %s payload is %T", ErrBadMutation, op, arg)
			}
		}
		switch op {
		case "$set":
			for k, v := range fields {
				out[k] = cloneValue(v)
			}
		case "$unset":
			for k := range fields {
				delete(out, k)
			}
		default:
			return nil, fmt.Errorf("%w: %s", ErrBadMutation, op)
		}
	}
	return out, nil
}

// hasOperators reports whether any top-level key is a $-operator.
func hasOperators(m Document) bool {
	for k := range m {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}
	return false
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Document:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// equalValue compares two codec-produced values, treating numerically equal
// numbers of different Go types as equal.
func equalValue(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case nil:
		return b == nil
	case map[string]any:
		bt, ok := asMap(b)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !equalValue(av, bv) {
				return false
			}
		}
		return true
	case Document:
		return equalValue(map[string]any(at), b)
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i, av := range at {
			if !equalValue(av, bt[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Document:
		return t, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func stringifyID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
