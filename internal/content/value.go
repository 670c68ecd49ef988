// Package content models generated section content as a typed tree.
//
// A Value is a tagged union of null, string, number, boolean, list and record.
// Records encode with sorted keys and numbers keep their original literal, so
// encoding the same tree twice is byte-identical.
package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindList:
		return "list"
	case KindRecord:
		return "record"
	default:
		return "null"
	}
}

// ParseKind maps a stored value_type back to its Kind. Unknown names map to KindNull.
func ParseKind(name string) Kind {
	switch name {
	case "string":
		return KindString
	case "number":
		return KindNumber
	case "boolean":
		return KindBool
	case "list":
		return KindList
	case "record":
		return KindRecord
	default:
		return KindNull
	}
}

type Value struct {
	kind Kind
	str  string
	num  json.Number
	b    bool
	list []Value
	rec  Record
}

// Record is a nested content object keyed by property name.
type Record map[string]Value

func Null() Value { return Value{} }

func String(s string) Value { return Value{kind: KindString, str: s} }

func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }

func Int(n int64) Value { return Value{kind: KindNumber, num: json.Number(fmt.Sprintf("%d", n))} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

func Object(r Record) Value {
	if r == nil {
		r = Record{}
	}
	return Value{kind: KindRecord, rec: r}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

func (v Value) Num() (json.Number, bool) {
	if v.kind != KindNumber {
		return "", false
	}
	return v.num, true
}

func (v Value) Boolean() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Items() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) Rec() (Record, bool) {
	if v.kind != KindRecord {
		return nil, false
	}
	return v.rec, true
}

// Clone returns a deep copy so callers can mutate nested records freely.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return List(items...)
	case KindRecord:
		return Object(v.rec.Clone())
	default:
		return v
	}
}

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for key, value := range r {
		out[key] = value.Clone()
	}
	return out
}

// Keys returns the record keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares two values structurally. Numbers compare by literal.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindString:
		return a.str == b.str
	case KindNumber:
		return a.num == b.num
	case KindBool:
		return a.b == b.b
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindRecord:
		return RecordsEqual(a.rec, b.rec)
	}
	return false
}

func RecordsEqual(a, b Record) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if v.num == "" {
			return []byte("0"), nil
		}
		return []byte(v.num), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindRecord:
		if v.rec == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(map[string]Value(v.rec))
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return fmt.Errorf("decode value: trailing data")
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts a generic decoded JSON tree into a Value. float64 values are
// accepted for callers that decoded without UseNumber.
func FromAny(raw any) (Value, error) {
	switch typed := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(typed), nil
	case json.Number:
		return Number(typed), nil
	case float64:
		return Number(json.Number(fmt.Sprintf("%v", typed))), nil
	case int:
		return Int(int64(typed)), nil
	case int64:
		return Int(typed), nil
	case bool:
		return Bool(typed), nil
	case []any:
		items := make([]Value, 0, len(typed))
		for _, item := range typed {
			value, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, value)
		}
		return List(items...), nil
	case map[string]any:
		rec := make(Record, len(typed))
		for key, item := range typed {
			value, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			rec[key] = value
		}
		return Object(rec), nil
	case []string:
		items := make([]Value, 0, len(typed))
		for _, item := range typed {
			items = append(items, String(item))
		}
		return List(items...), nil
	case Value:
		return typed, nil
	case Record:
		return Object(typed), nil
	default:
		return Value{}, fmt.Errorf("unsupported content type %T", raw)
	}
}

// MustFromAny is FromAny for literals in tests and fixtures.
func MustFromAny(raw any) Value {
	value, err := FromAny(raw)
	if err != nil {
		panic(err)
	}
	return value
}
