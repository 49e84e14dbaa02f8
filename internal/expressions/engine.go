package expressions

import "context"

// Engine evaluates an expression against a data map.
// Three implementations: CEL (policy deny rules), Expr (registry filters),
// GoJQ (audit trail filters).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Truthy reports whether an expression result should count as a match.
// nil, false, zero numbers, empty strings and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
