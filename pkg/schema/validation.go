package schema

import (
	"fmt"
	"slices"
)

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found while checking a workflow. NodeID is
// set only when the problem lies in a single node's configuration; such
// issues fail that node at run time instead of the whole execution.
type ValidationIssue struct {
	NodeID   string             `json:"node_id,omitempty"`
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%-7s %s: %s (%s)", i.Severity, i.Path, i.Message, i.Code)
}

// ValidationResult collects the issues of a workflow check. Warnings never
// make a workflow invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Add files issue under Errors or Warnings by its severity.
func (r *ValidationResult) Add(issue ValidationIssue) {
	if issue.Severity == SeverityWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	issue.Severity = SeverityError
	r.Errors = append(r.Errors, issue)
}

// Errorf records a workflow-level error.
func (r *ValidationResult) Errorf(path, code, format string, args ...any) {
	r.Add(ValidationIssue{Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityError})
}

func (r *ValidationResult) Warnf(path, code, format string, args ...any) {
	r.Add(ValidationIssue{Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning})
}

// NodeErrorf records an error confined to node nodeID.
func (r *ValidationResult) NodeErrorf(nodeID, path, code, format string, args ...any) {
	r.Add(ValidationIssue{NodeID: nodeID, Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityError})
}

// Structural returns the errors that concern the workflow as a whole.
func (r *ValidationResult) Structural() []ValidationIssue {
	var out []ValidationIssue
	for _, issue := range r.Errors {
		if issue.NodeID == "" {
			out = append(out, issue)
		}
	}
	return out
}

// ByNode groups node-scoped errors by node id, in the order they were found.
func (r *ValidationResult) ByNode() map[string][]ValidationIssue {
	out := make(map[string][]ValidationIssue)
	for _, issue := range r.Errors {
		if issue.NodeID != "" {
			out[issue.NodeID] = append(out[issue.NodeID], issue)
		}
	}
	return out
}

// ToError returns nil for a valid result. Otherwise the error carries the
// first message, a count of the rest and every issue in its details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if n := len(r.Errors) - 1; n > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n)
	}

	var nodeIDs []string
	for id := range r.ByNode() {
		nodeIDs = append(nodeIDs, id)
	}
	slices.Sort(nodeIDs)

	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
		"nodes":         nodeIDs,
	})
}
