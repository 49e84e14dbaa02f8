package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// CELEngine evaluates policy deny rules written in Google's Common Expression
// Language. Rules see a single variable, op, describing the pending operation.
// Compiled programs are cached and safe for concurrent reuse.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]celProgram
}

// celProgram is a compiled expression with its statically checked result
// type.
type celProgram struct {
	prg cel.Program
	out *cel.Type
}

// NewCELEngine creates a CEL engine whose environment declares
//   - op: map(string, dyn) with action, name, key_type, services, tags,
//     auto_generated and secret_length
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("op", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]celProgram),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it. data is expected to carry an "op" key; a missing op evaluates against an
// empty map.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	c, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	op, ok := data["op"]
	if !ok || op == nil {
		op = map[string]any{}
	}

	out, _, err := c.prg.ContextEval(ctx, map[string]any{"op": op})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// Check compiles expression without evaluating it, so configuration errors
// surface before any operation runs.
func (e *CELEngine) Check(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// CheckBool is Check for predicates: the expression must type-check to bool.
// A dyn result (a bare op field such as op.auto_generated) is accepted here
// and must be checked again at evaluation.
func (e *CELEngine) CheckBool(expression string) error {
	c, err := e.getOrCompile(expression)
	if err != nil {
		return err
	}
	if c.out.IsExactType(cel.BoolType) || c.out.IsExactType(cel.DynType) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"CEL expression %q yields %s, not bool", expression, c.out.String()).
		WithDetails(map[string]any{"expression": expression, "type": c.out.String()})
}

func (e *CELEngine) getOrCompile(expression string) (celProgram, error) {
	e.mu.RLock()
	if c, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return c, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.cache[expression]; ok {
		return c, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return celProgram{}, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return celProgram{}, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	c := celProgram{prg: prg, out: ast.OutputType()}
	e.cache[expression] = c
	return c, nil
}

var _ Engine = (*CELEngine)(nil)
