package expressions

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// ExprEngine compiles registry filters such as
// `"db" in tags && key_type == "host+tpm2"` against a fixed set of fields.
// A filter naming an unknown field, or one that does not yield a bool, is
// rejected at compile time.
type ExprEngine struct {
	fields map[string]any

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewExprEngine creates a filter engine over fields. The keys are the
// variable names filters may use; the values fix each variable's type.
func NewExprEngine(fields map[string]any) *ExprEngine {
	if fields == nil {
		fields = map[string]any{}
	}
	return &ExprEngine{
		fields:   fields,
		programs: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Fields lists the variable names filters may reference, sorted.
func (e *ExprEngine) Fields() []string {
	return slices.Sorted(maps.Keys(e.fields))
}

// Check compiles filter without running it.
func (e *ExprEngine) Check(filter string) error {
	_, err := e.program(filter)
	return err
}

// Match reports whether record satisfies filter. record must have the shape
// the engine was built with.
func (e *ExprEngine) Match(_ context.Context, filter string, record map[string]any) (bool, error) {
	prg, err := e.program(filter)
	if err != nil {
		return false, err
	}
	out, err := vm.Run(prg, record)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "filter %q failed: %s", filter, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": filter})
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Evaluate is Match returning the result as any.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Match(ctx, expression, data)
}

func (e *ExprEngine) program(filter string) (*vm.Program, error) {
	if filter == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty filter expression")
	}

	e.mu.RLock()
	prg, ok := e.programs[filter]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := expr.Compile(filter, expr.Env(e.fields), expr.AsBool())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid filter %q: %s", filter, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": filter, "fields": e.Fields()})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.programs[filter]; ok {
		return cached, nil
	}
	e.programs[filter] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
