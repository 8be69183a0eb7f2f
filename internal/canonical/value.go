package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a JSON-shaped metadata value: null, bool, number, string, list or
// string-keyed map. The zero Value is null.
//
// Numbers are held in normalized text form so that two values that are equal
// as numbers always encode to the same bytes, regardless of how they were
// spelled on input.
type Value struct {
	kind Kind
	b    bool
	s    string // string payload, or normalized number text
	f    float64
	raw  bool // number built from a float64 that has not been normalized yet
	list []Value
	m    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool wraps b.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String wraps s.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int wraps an integer.
func Int(i int64) Value {
	return Value{kind: KindNumber, s: strconv.FormatInt(i, 10)}
}

// Float wraps f. Non-finite values are accepted here and rejected when the
// Value is encoded.
func Float(f float64) Value {
	return Value{kind: KindNumber, f: f, raw: true}
}

// List wraps items in order.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Map wraps m. The map is copied.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

// ParseNumber builds a number Value from JSON number text.
func ParseNumber(text string) (Value, error) {
	norm, err := normalizeNumberText(text)
	if err != nil {
		return Value{}, err
	}
	return Value{kind: KindNumber, s: norm}, nil
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Keys returns the keys of a map Value in canonical order.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NumberText returns the normalized decimal text of a number Value.
func (v Value) NumberText() (string, error) {
	if v.kind != KindNumber {
		return "", fmt.Errorf("canonical: %s is not a number", v.kind)
	}
	if !v.raw {
		return v.s, nil
	}
	return formatFloat(v.f)
}

// fromDecoded converts the output of a UseNumber decoder into a Value.
func fromDecoded(in interface{}) (Value, error) {
	switch vv := in.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(vv), nil
	case string:
		return String(vv), nil
	case json.Number:
		return ParseNumber(vv.String())
	case []interface{}:
		items := make([]Value, 0, len(vv))
		for i, elem := range vv {
			item, err := fromDecoded(elem)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, item)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]interface{}:
		m := make(map[string]Value, len(vv))
		for k, elem := range vv {
			item, err := fromDecoded(elem)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = item
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, fmt.Errorf("canonical: unsupported metadata type %T", in)
	}
}

// ParseJSON decodes raw JSON into a Value, keeping number text exact.
func ParseJSON(b []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var tmp interface{}
	if err := dec.Decode(&tmp); err != nil {
		return Value{}, fmt.Errorf("canonical: decode metadata: %w", err)
	}
	if dec.More() {
		return Value{}, fmt.Errorf("canonical: trailing data after metadata")
	}
	return fromDecoded(tmp)
}

// MarshalJSON writes the canonical form.
func (v Value) MarshalJSON() ([]byte, error) {
	return MarshalValue(v)
}

// UnmarshalJSON reads any JSON document.
func (v *Value) UnmarshalJSON(b []byte) error {
	parsed, err := ParseJSON(b)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func normalizeNumberText(text string) (string, error) {
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return "", &NumberError{Text: text}
	}
	return formatFloat(f)
}

// maxExactInt is 2^53, the bound below which every integer is exact in float64.
const maxExactInt = 1 << 53

func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", &NumberError{Text: strconv.FormatFloat(f, 'g', -1, 64)}
	}
	if f == math.Trunc(f) && math.Abs(f) < maxExactInt {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

// NumberError reports a number that has no canonical form.
type NumberError struct {
	Text string
}

func (e *NumberError) Error() string {
	return fmt.Sprintf("canonical: number %q is not finite or not parseable", e.Text)
}
