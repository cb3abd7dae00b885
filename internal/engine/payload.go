package engine

import (
	"encoding/json"

	"dario.cat/mergo"

	"github.com/rendis/deflow/internal/billing"
	"github.com/rendis/deflow/internal/xjson"
)

// attachFee merges {executionFee, tier} into an object payload. Payloads that
// are not JSON objects are returned unchanged.
func attachFee(data json.RawMessage, quote billing.Quote) json.RawMessage {
	v, err := xjson.Decode(data)
	if err != nil {
		return data
	}
	var out map[string]any
	switch t := v.(type) {
	case nil:
		out = map[string]any{}
	case map[string]any:
		out = t
	default:
		return data
	}
	fee := map[string]any{"executionFee": quote.Fee, "tier": string(quote.Tier)}
	if err := mergo.Merge(&out, fee, mergo.WithOverride); err != nil {
		return data
	}
	b, err := xjson.Marshal(out)
	if err != nil {
		return data
	}
	return b
}

// mergePayloads combines the inputs of a join node. Objects are merged in
// arrival order with later keys winning. If any input is not an object the
// result is the array of inputs.
func mergePayloads(inputs []json.RawMessage) json.RawMessage {
	merged := map[string]any{}
	decoded := make([]any, 0, len(inputs))
	objects := true
	for _, in := range inputs {
		v, err := xjson.Decode(in)
		if err != nil {
			v = string(in)
		}
		decoded = append(decoded, v)
		m, ok := v.(map[string]any)
		if !ok {
			objects = false
			continue
		}
		if objects {
			if err := mergo.Merge(&merged, m, mergo.WithOverride); err != nil {
				objects = false
			}
		}
	}
	if objects {
		return xjson.MustMarshal(merged)
	}
	return xjson.MustMarshal(decoded)
}
