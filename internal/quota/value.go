// Package quota models EcoFlow quota payloads as a tagged tree of Scalar,
// Sequence and Mapping values. Mappings keep the key order of the wire
// payload so that anything derived from a snapshot is reproducible.
package quota

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the variant of a Value.
type Kind int

const (
	KindScalar Kind = iota
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is one node of a quota tree. The concrete types are Scalar,
// Sequence and Mapping; callers switch on them exhaustively.
type Value interface {
	Kind() Kind
	json.Marshaler
	isValue()
}

// ScalarType is the JSON type of a Scalar.
type ScalarType int

const (
	Null ScalarType = iota
	Bool
	Number
	String
)

// Scalar is a JSON leaf. Text holds the literal for numbers (exact wire
// digits), the decoded contents for strings, "true"/"false" for booleans and
// "null" for null.
type Scalar struct {
	Type ScalarType
	Text string
}

// NumberScalar returns a Number scalar with the given literal.
func NumberScalar(text string) Scalar { return Scalar{Type: Number, Text: text} }

// StringScalar returns a String scalar.
func StringScalar(s string) Scalar { return Scalar{Type: String, Text: s} }

// BoolScalar returns a Bool scalar.
func BoolScalar(b bool) Scalar { return Scalar{Type: Bool, Text: strconv.FormatBool(b)} }

// NullScalar returns the null scalar.
func NullScalar() Scalar { return Scalar{Type: Null, Text: "null"} }

func (Scalar) Kind() Kind { return KindScalar }
func (Scalar) isValue()   {}

// Float coerces the scalar to a float64. Numbers convert directly, strings
// must parse completely as a floating point literal. Booleans, nulls, NaN
// and out-of-range literals report false.
func (s Scalar) Float() (float64, bool) {
	var text string
	switch s.Type {
	case Number:
		text = s.Text
	case String:
		text = strings.TrimSpace(s.Text)
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// String renders the scalar the way it appears in a signature payload.
func (s Scalar) String() string {
	return s.Text
}

func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.Type {
	case Number:
		return []byte(s.Text), nil
	case String:
		return json.Marshal(s.Text)
	case Bool:
		return []byte(s.Text), nil
	default:
		return []byte("null"), nil
	}
}

// Sequence is a JSON array.
type Sequence []Value

func (Sequence) Kind() Kind { return KindSequence }
func (Sequence) isValue()   {}

func (s Sequence) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := v.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Mapping is a JSON object that remembers key order. The zero Mapping is an
// empty object and safe to read.
type Mapping struct {
	keys   []string
	values map[string]Value
}

// Entry is a key/value pair used to build a Mapping.
type Entry struct {
	Key   string
	Value Value
}

// NewMapping builds a Mapping from entries in order. A repeated key keeps
// its first position and its last value, like a JSON decoder.
func NewMapping(entries ...Entry) Mapping {
	m := Mapping{}
	for _, e := range entries {
		m.set(e.Key, e.Value)
	}
	return m
}

func (Mapping) Kind() Kind { return KindMapping }
func (Mapping) isValue()   {}

func (m *Mapping) set(key string, v Value) {
	if m.values == nil {
		m.values = make(map[string]Value)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Len returns the number of keys.
func (m Mapping) Len() int {
	return len(m.keys)
}

// Keys returns the keys in wire order.
func (m Mapping) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the value stored under key.
func (m Mapping) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Entries returns the key/value pairs in wire order.
func (m Mapping) Entries() []Entry {
	out := make([]Entry, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, Entry{Key: k, Value: m.values[k]})
	}
	return out
}

func (m Mapping) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := m.values[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object into the Mapping. A JSON null decodes to
// an empty Mapping.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeMapping(data)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}
