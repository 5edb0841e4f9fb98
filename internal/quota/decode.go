package quota

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	apperrors "github.com/tbuchboeck/EcoFlowMon/internal/errors"
)

// ErrNotMapping is returned when a payload that must be an object is not.
var ErrNotMapping = errors.New("quota payload is not an object")

// Decode parses a JSON document into a Value tree, keeping number literals
// and object key order exactly as they appear on the wire.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing data after quota payload")
	}
	return v, nil
}

// DecodeMapping parses a JSON object. null and empty input yield an empty
// Mapping; any other non-object is ErrNotMapping.
func DecodeMapping(data []byte) (Mapping, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Mapping{}, nil
	}
	v, err := Decode(data)
	if err != nil {
		return Mapping{}, err
	}
	switch t := v.(type) {
	case Mapping:
		return t, nil
	case Scalar:
		if t.Type == Null {
			return Mapping{}, nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: got %s", ErrNotMapping, v.Kind())
}

// FromAny converts any JSON-marshalable Go value into a Value tree by
// round-tripping it through encoding/json. Struct field order and map key
// order follow what json.Marshal emits, which is exactly the request body.
func FromAny(v any) (Value, error) {
	if val, ok := v.(Value); ok {
		return val, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return Decode(data)
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to decode quota payload: %w", err)
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeMapping(dec)
		case '[':
			return decodeSequence(dec)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q in quota payload", t)
		}
	case json.Number:
		return NumberScalar(t.String()), nil
	case string:
		return StringScalar(t), nil
	case bool:
		return BoolScalar(t), nil
	case nil:
		return NullScalar(), nil
	default:
		return nil, fmt.Errorf("unexpected token %v in quota payload", tok)
	}
}

func decodeMapping(dec *json.Decoder) (Value, error) {
	m := Mapping{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to decode object key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("object key is not a string: %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		m.set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to close object: %w", err)
	}
	return m, nil
}

func decodeSequence(dec *json.Decoder) (Value, error) {
	seq := Sequence{}
	for dec.More() {
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		seq = append(seq, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to close array: %w", err)
	}
	return seq, nil
}

// Pair is one flattened key path and its rendered scalar.
type Pair struct {
	Key   string
	Value string
}

// KeyPaths flattens a tree into key/scalar pairs, depth first. Object keys
// join with '.', array indices with "[i]". Empty objects and arrays
// contribute nothing. Two different paths rendering to the same key (for
// instance {"a.b":1,"a":{"b":2}}) yield a *CollisionError.
func KeyPaths(v Value) ([]Pair, error) {
	var pairs []Pair
	seen := make(map[string]struct{})

	var walk func(prefix string, v Value) error
	walk = func(prefix string, v Value) error {
		switch t := v.(type) {
		case Mapping:
			for _, k := range t.keys {
				key := k
				if prefix != "" {
					key = prefix + "." + k
				}
				if err := walk(key, t.values[k]); err != nil {
					return err
				}
			}
		case Sequence:
			for i, elem := range t {
				key := strconv.Itoa(i)
				if prefix != "" {
					key = prefix + "[" + key + "]"
				}
				if err := walk(key, elem); err != nil {
					return err
				}
			}
		case Scalar:
			if _, dup := seen[prefix]; dup {
				return &CollisionError{Key: prefix}
			}
			seen[prefix] = struct{}{}
			pairs = append(pairs, Pair{Key: prefix, Value: t.String()})
		default:
			return fmt.Errorf("unsupported quota value %T", v)
		}
		return nil
	}

	if s, ok := v.(Scalar); ok {
		if s.Type == Null {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: got scalar", ErrNotMapping)
	}
	if err := walk("", v); err != nil {
		return nil, err
	}
	return pairs, nil
}

// CollisionError reports a flattened key produced by more than one path.
type CollisionError struct {
	Key string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("flattened key %q produced more than once", e.Key)
}

func (e *CollisionError) Unwrap() error {
	return apperrors.ErrKeyCollision
}
