package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSchemaJSON is the JSON Schema for the workflow document.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://deflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/connection" }
    },
    "metadata": { "type": ["object", "null"] }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "node_type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "node_type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "configuration": {
          "type": "object",
          "properties": {
            "parameters": { "type": ["object", "null"] }
          }
        }
      }
    },
    "connection": {
      "type": "object",
      "required": ["source_node_id", "target_node_id"],
      "properties": {
        "source_node_id": { "type": "string", "minLength": 1 },
        "target_node_id": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache and compiler for dynamic schema compilation.
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	cache    map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://deflow.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://deflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		compiler:       newInputCompiler(),
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateWorkflow validates a workflow document against the workflow JSON Schema.
// Referential integrity is checked separately by the graph package.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateParams validates node parameters against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
// A nil params map is validated as an empty object.
func (v *JSONSchemaValidator) ValidateParams(params map[string]any, paramSchema []byte) error {
	if params == nil {
		params = map[string]any{}
	}
	if len(paramSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(paramSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}

	// Convert params to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize parameters").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("deflow://param-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newInputCompiler creates a Compiler configured for parameter validation.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := xjson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// listing every violation with its instance location.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
