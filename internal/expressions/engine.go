package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/deflow/pkg/schema"
)

// Engine evaluates expressions inside node executors.
// Three implementations: CEL (conditions), GoJQ (transforms), Expr (decision rules).
type Engine interface {
	Name() string
	// Compile checks an expression without evaluating it. Executors call it
	// at graph load time so syntax errors never reach a run.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q returned %T, expected bool", e.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression, "result": fmt.Sprint(out)})
	}
	return b, nil
}
