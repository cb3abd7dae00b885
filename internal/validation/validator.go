package validation

import "github.com/rendis/deflow/pkg/schema"

// Validator checks workflow documents and node parameters before execution.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateParams(params map[string]any, paramSchema []byte) error
}
