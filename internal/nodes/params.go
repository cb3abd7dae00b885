package nodes

import (
	"fmt"

	"github.com/rendis/deflow/internal/catalog"
	"github.com/rendis/deflow/internal/validation"
	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

// base carries what every executor shares: its catalog entry and the
// schema validator used for its parameters.
type base struct {
	info      ExecutorInfo
	validator validation.Validator
}

func newBase(nodeType string, deps *Deps) base {
	info := ExecutorInfo{Type: nodeType}
	if def, ok := deps.Catalog.Lookup(nodeType); ok {
		info.Category = def.Category
		info.Description = def.Description
		info.ParamSchema = def.ParamSchema
	}
	return base{info: info, validator: deps.Validator}
}

func (b base) Type() string           { return b.info.Type }
func (b base) Describe() ExecutorInfo { return b.info }

// checkSchema validates params against the node type's JSON schema.
func (b base) checkSchema(params map[string]any) error {
	if b.validator == nil || len(b.info.ParamSchema) == 0 {
		return nil
	}
	if err := b.validator.ValidateParams(params, b.info.ParamSchema); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid parameters: %v", b.info.Type, err).WithCause(err)
	}
	return nil
}

// decodeParams validates params and decodes them into T.
func decodeParams[T any](b base, params map[string]any) (T, error) {
	var out T
	if params == nil {
		params = map[string]any{}
	}
	if err := b.checkSchema(params); err != nil {
		return out, err
	}
	if err := xjson.Convert(params, &out); err != nil {
		return out, schema.NewErrorf(schema.ErrCodeValidation, "%s: decode parameters: %v", b.info.Type, err).WithCause(err)
	}
	return out, nil
}

func paramError(nodeType, format string, args ...any) error {
	return schema.NewError(schema.ErrCodeValidation, nodeType+": "+fmt.Sprintf(format, args...))
}

// builtinCatalog is used when Deps carries no catalog.
var builtinCatalog catalog.Catalog = catalog.Builtin()
