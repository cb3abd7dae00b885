package nodes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/deflow/internal/expressions"
	"github.com/rendis/deflow/pkg/schema"
)

type conditionParams struct {
	Expression string `json:"expression"`
	Language   string `json:"language"`
}

// Condition evaluates a boolean expression against the payload and reports
// the outcome as data.result. The input payload is carried along under
// data.data.
//
// Languages:
//   - cel (default): data, variables, metadata, execution in scope
//   - expr: same scope
//   - simple: "field == value" against top-level payload fields
type Condition struct {
	base
	cel  *expressions.CELEngine
	expr *expressions.ExprEngine
}

func NewCondition(d *Deps) *Condition {
	return &Condition{base: newBase("condition", d), cel: d.CEL, expr: d.Expr}
}

func (e *Condition) params(raw map[string]any) (conditionParams, error) {
	p, err := decodeParams[conditionParams](e.base, raw)
	if err != nil {
		return p, err
	}
	if p.Language == "" {
		p.Language = "cel"
	}
	switch p.Language {
	case "cel":
		err = e.cel.Compile(p.Expression)
	case "expr":
		err = e.expr.Compile(p.Expression)
	case "simple":
		_, _, err = splitSimple(p.Expression)
	}
	if err != nil {
		return p, paramError(e.Type(), "%v", err)
	}
	return p, nil
}

func (e *Condition) Validate(params map[string]any) error {
	_, err := e.params(params)
	return err
}

func (e *Condition) Execute(ctx context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error) {
	p, err := e.params(node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}

	scope := ectx.Scope(node.ID)
	var result bool
	switch p.Language {
	case "expr":
		result, err = expressions.EvaluateBool(ctx, e.expr, p.Expression, scope.Map())
	case "simple":
		result, err = evaluateSimple(p.Expression, scope.Data)
	default:
		result, err = expressions.EvaluateBool(ctx, e.cel, p.Expression, scope.Map())
	}
	if err != nil {
		return Fail(err.Error()), nil
	}

	return Succeed(map[string]any{
		"result":     result,
		"expression": p.Expression,
		"language":   p.Language,
		"data":       scope.Data,
	})
}

func splitSimple(expression string) (string, string, error) {
	parts := strings.Split(expression, "==")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return "", "", fmt.Errorf("invalid condition format %q, expected 'field == value'", expression)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

// evaluateSimple compares one top-level field with a literal. Missing
// fields and mismatched types evaluate to false.
func evaluateSimple(expression string, data any) (bool, error) {
	left, right, err := splitSimple(expression)
	if err != nil {
		return false, err
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return false, nil
	}
	switch v := obj[left].(type) {
	case string:
		return v == strings.Trim(right, `"'`), nil
	case float64:
		n, err := strconv.ParseFloat(right, 64)
		return err == nil && n == v, nil
	case bool:
		b, err := strconv.ParseBool(right)
		return err == nil && b == v, nil
	default:
		return false, nil
	}
}

