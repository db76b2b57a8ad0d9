// Package valuebag implements the dynamically-typed value union used for
// authorization request environment/context fields, token claims, and any
// other caller-supplied attribute bag evaluated by ABAC conditions. It is the
// systems-language replacement for the loosely-typed JSON objects that flow
// through the distilled source's condition evaluators.
package valuebag

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a single attribute value: a string, a float64, a bool, a list of
// Values, or a nested Bag. The zero Value is the untyped nil.
type Value struct {
	kind  kind
	str   string
	num   float64
	boo   bool
	list  []Value
	bag   Bag
}

type kind int

const (
	kindNil kind = iota
	kindString
	kindNumber
	kindBool
	kindList
	kindBag
)

// Bag is a map of string keys to Values, supporting dot-path resolution for
// nested lookups (e.g. "device.trusted").
type Bag map[string]Value

// String wraps a string as a Value.
func String(s string) Value { return Value{kind: kindString, str: s} }

// Number wraps a float64 as a Value.
func Number(n float64) Value { return Value{kind: kindNumber, num: n} }

// Bool wraps a bool as a Value.
func Bool(b bool) Value { return Value{kind: kindBool, boo: b} }

// List wraps a slice of Values as a Value.
func List(vs ...Value) Value { return Value{kind: kindList, list: vs} }

// FromBag wraps a Bag as a Value so bags can nest.
func FromBag(b Bag) Value { return Value{kind: kindBag, bag: b} }

// Of converts common Go types (string, int, int64, float64, bool,
// []string, []interface{}, map[string]interface{}) into a Value. Unsupported
// types become the string produced by fmt.Sprintf("%v", v).
func Of(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Value{}
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case float64:
		return Number(t)
	case []string:
		vs := make([]Value, len(t))
		for i, s := range t {
			vs[i] = String(s)
		}
		return List(vs...)
	case []interface{}:
		vs := make([]Value, len(t))
		for i, e := range t {
			vs[i] = Of(e)
		}
		return List(vs...)
	case map[string]interface{}:
		b := make(Bag, len(t))
		for k, e := range t {
			b[k] = Of(e)
		}
		return FromBag(b)
	case Bag:
		return FromBag(t)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// IsNil reports whether the value is the untyped nil.
func (v Value) IsNil() bool { return v.kind == kindNil }

// AsString returns the value's string form regardless of underlying kind,
// used for equality/contains/matches comparisons.
func (v Value) AsString() string {
	switch v.kind {
	case kindString:
		return v.str
	case kindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.boo)
	case kindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.AsString()
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// AsNumber returns the value as a float64 and whether conversion succeeded.
func (v Value) AsNumber() (float64, bool) {
	switch v.kind {
	case kindNumber:
		return v.num, true
	case kindString:
		f, err := strconv.ParseFloat(v.str, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsBool returns the value as a bool and whether conversion succeeded.
func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case kindBool:
		return v.boo, true
	case kindString:
		b, err := strconv.ParseBool(v.str)
		return b, err == nil
	default:
		return false, false
	}
}

// AsList returns the value's elements if it is a list.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != kindList {
		return nil, false
	}
	return v.list, true
}

// Contains reports whether v (expected to be a list or string) contains
// target, used by the "contains" and "in" condition operators.
func (v Value) Contains(target Value) bool {
	switch v.kind {
	case kindList:
		for _, e := range v.list {
			if e.Equal(target) {
				return true
			}
		}
		return false
	case kindString:
		return strings.Contains(v.str, target.AsString())
	default:
		return false
	}
}

// Equal compares two values by their string representation, which is
// sufficient for the equals/notEquals condition operators across the mixed
// string/number/bool value space used by conditions.
func (v Value) Equal(other Value) bool {
	if v.kind == kindNil || other.kind == kindNil {
		return v.kind == other.kind
	}
	return v.AsString() == other.AsString()
}

// Get resolves a dot-delimited path against the bag, e.g. "device.trusted" or
// "tags.0". Missing segments yield the untyped nil Value and ok=false.
func (b Bag) Get(path string) (Value, bool) {
	if path == "" {
		return Value{}, false
	}
	segments := strings.Split(path, ".")
	var cur Value = FromBag(b)
	for _, seg := range segments {
		switch cur.kind {
		case kindBag:
			v, ok := cur.bag[seg]
			if !ok {
				return Value{}, false
			}
			cur = v
		case kindList:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.list) {
				return Value{}, false
			}
			cur = cur.list[idx]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Exists reports whether the dot-delimited path resolves to any value.
func (b Bag) Exists(path string) bool {
	_, ok := b.Get(path)
	return ok
}

// Clone returns a deep copy of the bag, preserving the defensive-copy
// ownership discipline used throughout the core.
func (b Bag) Clone() Bag {
	if b == nil {
		return nil
	}
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = v.clone()
	}
	return out
}

func (v Value) clone() Value {
	switch v.kind {
	case kindList:
		list := make([]Value, len(v.list))
		for i, e := range v.list {
			list[i] = e.clone()
		}
		return Value{kind: kindList, list: list}
	case kindBag:
		return Value{kind: kindBag, bag: v.bag.Clone()}
	default:
		return v
	}
}
