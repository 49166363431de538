package kv

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	typeBool       = "bool"
	typeInt        = "int"
	typeDouble     = "double"
	typeString     = "string"
	typeData       = "data"
	typeArray      = "array"
	typeDictionary = "dictionary"
)

// envelope tags every encoded value with its type so that durable backends
// return the same Go types that were stored.
type envelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Normalize converts value to the canonical representation used by every
// backend: int64 for integers, float64 for floats, []any for slices and
// map[string]any for dictionaries.
func Normalize(value any) (any, error) {
	switch v := value.(type) {
	case bool, string, int64, float64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case []byte:
		return append([]byte(nil), v...), nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			n, err := Normalize(item)
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			n, err := Normalize(item)
			if err != nil {
				return nil, fmt.Errorf("dictionary key %q: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
}

// Encode serializes a value for durable storage.
func Encode(value any) ([]byte, error) {
	n, err := Normalize(value)
	if err != nil {
		return nil, err
	}
	env, err := toEnvelope(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode reverses Encode.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return fromEnvelope(env)
}

func toEnvelope(value any) (envelope, error) {
	var typ string
	var raw any
	switch v := value.(type) {
	case bool:
		typ, raw = typeBool, v
	case int64:
		typ, raw = typeInt, v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return envelope{}, fmt.Errorf("%w: non-finite double", ErrUnsupportedValue)
		}
		typ, raw = typeDouble, v
	case string:
		typ, raw = typeString, v
	case []byte:
		typ, raw = typeData, v
	case []any:
		items := make([]envelope, len(v))
		for i, item := range v {
			env, err := toEnvelope(item)
			if err != nil {
				return envelope{}, err
			}
			items[i] = env
		}
		typ, raw = typeArray, items
	case map[string]any:
		items := make(map[string]envelope, len(v))
		for k, item := range v {
			env, err := toEnvelope(item)
			if err != nil {
				return envelope{}, err
			}
			items[k] = env
		}
		typ, raw = typeDictionary, items
	default:
		return envelope{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return envelope{}, fmt.Errorf("failed to marshal %s value: %w", typ, err)
	}
	return envelope{Type: typ, Value: data}, nil
}

func fromEnvelope(env envelope) (any, error) {
	switch env.Type {
	case typeBool:
		var v bool
		return v, unmarshalValue(env, &v)
	case typeInt:
		var v int64
		return v, unmarshalValue(env, &v)
	case typeDouble:
		var v float64
		return v, unmarshalValue(env, &v)
	case typeString:
		var v string
		return v, unmarshalValue(env, &v)
	case typeData:
		var v []byte
		if err := unmarshalValue(env, &v); err != nil {
			return nil, err
		}
		if v == nil {
			v = []byte{}
		}
		return v, nil
	case typeArray:
		var items []envelope
		if err := unmarshalValue(env, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := fromEnvelope(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case typeDictionary:
		var items map[string]envelope
		if err := unmarshalValue(env, &items); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(items))
		for k, item := range items {
			v, err := fromEnvelope(item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: encoded type %q", ErrUnsupportedValue, env.Type)
	}
}

func unmarshalValue(env envelope, target any) error {
	if err := json.Unmarshal(env.Value, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s value: %w", env.Type, err)
	}
	return nil
}

// changePayload is the wire form of a ChangeEvent.
type changePayload struct {
	Reason *json.Number `json:"reason"`
	Keys   []string     `json:"keys,omitempty"`
}

// EncodeChangeEvent serializes ev for transports such as postgres NOTIFY.
func EncodeChangeEvent(ev ChangeEvent) ([]byte, error) {
	reason := json.Number(fmt.Sprintf("%d", int(ev.Reason)))
	return json.Marshal(changePayload{Reason: &reason, Keys: ev.Keys})
}

// DecodeChangeEvent parses a payload produced by EncodeChangeEvent. Payloads
// without an integer reason code are rejected.
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	if p.Reason == nil {
		return ChangeEvent{}, fmt.Errorf("change event has no reason code")
	}
	reason, err := p.Reason.Int64()
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("change event reason %q is not an integer", p.Reason.String())
	}
	return ChangeEvent{Reason: ChangeReason(reason), Keys: p.Keys}, nil
}
