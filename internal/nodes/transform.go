package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/deflow/internal/expressions"
	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

type transformParams struct {
	Query         string `json:"query"`
	TransformType string `json:"transform_type"`
	Field         string `json:"field"`
}

// Transform reshapes the payload. A jq query takes precedence over the
// simple transform types.
type Transform struct {
	base
	jq *expressions.GoJQEngine
}

func NewTransform(d *Deps) *Transform {
	return &Transform{base: newBase("transform", d), jq: d.JQ}
}

func (e *Transform) params(raw map[string]any) (transformParams, error) {
	p, err := decodeParams[transformParams](e.base, raw)
	if err != nil {
		return p, err
	}
	if p.Query != "" {
		if err := e.jq.Compile(p.Query); err != nil {
			return p, paramError(e.Type(), "%v", err)
		}
		return p, nil
	}
	if p.TransformType == "" {
		p.TransformType = "passthrough"
	}
	if p.TransformType == "extract_field" && p.Field == "" {
		return p, paramError(e.Type(), "extract_field requires 'field'")
	}
	return p, nil
}

func (e *Transform) Validate(params map[string]any) error {
	_, err := e.params(params)
	return err
}

func (e *Transform) Execute(ctx context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error) {
	p, err := e.params(node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}

	if p.Query != "" {
		out, err := e.jq.Evaluate(ctx, p.Query, ectx.Scope(node.ID).Map())
		if err != nil {
			return Fail(err.Error()), nil
		}
		return Succeed(out)
	}

	data, err := xjson.Decode(ectx.CurrentData)
	if err != nil {
		return Fail(fmt.Sprintf("input is not valid JSON: %v", err)), nil
	}

	switch p.TransformType {
	case "passthrough":
		return Succeed(xjson.Normalize(ectx.CurrentData))
	case "uppercase":
		return Succeed(mapStrings(data, strings.ToUpper))
	case "lowercase":
		return Succeed(mapStrings(data, strings.ToLower))
	case "extract_field":
		v, ok := lookupPath(data, p.Field)
		if !ok {
			return Fail(fmt.Sprintf("field %q not found in input", p.Field)), nil
		}
		return Succeed(v)
	default:
		return Fail(fmt.Sprintf("unknown transform type: %s", p.TransformType)), nil
	}
}

// mapStrings applies fn to a string payload or to the top-level string
// values of an object payload.
func mapStrings(v any, fn func(string) string) any {
	switch t := v.(type) {
	case string:
		return fn(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if s, ok := val.(string); ok {
				out[k] = fn(s)
			} else {
				out[k] = val
			}
		}
		return out
	case nil:
		return map[string]any{}
	default:
		return v
	}
}

// lookupPath resolves a dot-separated path through nested objects.
func lookupPath(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}
