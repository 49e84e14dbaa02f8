package schema

import "fmt"

// Severity indicates whether an issue is an error or warning.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single problem found while checking a ledger or registry,
// located by 1-based line (0 when the issue is not tied to a line).
type Issue struct {
	Line     int      `json:"line,omitempty"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("line %d: %s", i.Line, i.Message)
	}
	return i.Message
}

// Report aggregates issues from a check pass.
type Report struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *Report) AddError(line int, code, message string) {
	r.Errors = append(r.Errors, Issue{
		Line: line, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *Report) AddWarning(line int, code, message string) {
	r.Warnings = append(r.Warnings, Issue{
		Line: line, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another Report into this one.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the report to a VaultError if invalid, nil if valid.
func (r *Report) ToError(code string) error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("check failed with %d errors", len(r.Errors))
	}

	return NewError(code, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
