package xjson

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

// Marshal and Unmarshal route every payload encode/decode through one import
// site so the codec can be swapped without touching callers.

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// MarshalIndent is Marshal with two-space indentation, for human output.
func MarshalIndent(v any) ([]byte, error) {
	return gjson.MarshalIndent(v, "", "  ")
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage

// EmptyObject is the payload used when a run has no trigger data.
var EmptyObject = RawMessage(`{}`)

// Normalize returns raw, or an empty object when raw is blank.
func Normalize(raw RawMessage) RawMessage {
	if len(raw) == 0 {
		return EmptyObject
	}
	return raw
}

// Decode unmarshals raw into a generic value. Empty input decodes to nil.
func Decode(raw RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := gjson.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeObject unmarshals raw into a map. Non-object payloads are returned
// under the "value" key so callers always get an addressable map.
func DecodeObject(raw RawMessage) (map[string]any, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	default:
		return map[string]any{"value": t}, nil
	}
}

// MustMarshal marshals v and falls back to an empty object on failure.
func MustMarshal(v any) RawMessage {
	b, err := gjson.Marshal(v)
	if err != nil {
		return EmptyObject
	}
	return b
}

// Convert round-trips src through JSON into dst. Used to turn loosely
// typed parameter maps into typed structs.
func Convert(src, dst any) error {
	b, err := gjson.Marshal(src)
	if err != nil {
		return err
	}
	return gjson.Unmarshal(b, dst)
}
