package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rbrinkke/Vault/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opData(action, name, keyType string, services ...any) map[string]any {
	if services == nil {
		services = []any{}
	}
	return map[string]any{"op": map[string]any{
		"action":         action,
		"name":           name,
		"key_type":       keyType,
		"services":       services,
		"tags":           []any{},
		"auto_generated": false,
		"secret_length":  int64(12),
	}}
}

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_DenyRules(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	tests := []struct {
		name string
		rule string
		data map[string]any
		want bool
	}{
		{"host key on prod name", `op.key_type == "host" && op.name.startsWith("prod_")`, opData("create", "prod_db", "host"), true},
		{"tpm2 key on prod name", `op.key_type == "host" && op.name.startsWith("prod_")`, opData("create", "prod_db", "tpm2"), false},
		{"service membership", `"nginx.service" in op.services`, opData("create", "web", "host", "nginx.service"), true},
		{"short secrets", `op.secret_length < 16`, opData("rotate", "db", "host"), true},
		{"action match", `op.action == "delete"`, opData("rotate", "db", "host"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.rule, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Check("op.name ==")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CEL compile error")

	_, err = e.Evaluate(context.Background(), "unknown_var == 1", nil)
	require.Error(t, err)
}

func TestCEL_MissingOpDefaultsToEmptyMap(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(op) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_CacheIsConcurrentSafe(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `op.action == "create"`, opData("create", "db", "host"))
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestCEL_CheckBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.NoError(t, e.CheckBool(`op.action == "delete"`))
	assert.NoError(t, e.CheckBool(`op.auto_generated`), "dyn passes the static check")

	for _, rule := range []string{`"deny"`, `1 + 2`} {
		err := e.CheckBool(rule)
		require.Error(t, err, rule)
		assert.Contains(t, err.Error(), "not bool")
	}

	assert.Error(t, e.CheckBool("op.name =="))
}
