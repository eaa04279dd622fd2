package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateArithmeticAndComparison(t *testing.T) {
	e := New()
	env := BuildEnv(map[string]any{"count": 4}, nil, nil)

	tests := []struct {
		expr string
		want any
	}{
		{"1 + 2", 3},
		{"count * 2", 8},
		{"count > 3", true},
		{"count > 3 and count < 10", true},
		{"count == 5 or count == 4", true},
		{"not (count == 4)", false},
		{`count > 3 ? "many" : "few"`, "many"},
	}

	for _, tt := range tests {
		got, err := e.Evaluate(tt.expr, env)
		require.NoError(t, err, tt.expr)
		assert.EqualValues(t, tt.want, got, tt.expr)
	}
}

func TestLeadingDotShorthand(t *testing.T) {
	e := New()
	current := map[string]any{"id": "42", "total": 9.6}
	env := BuildEnv(nil, nil, current)

	got, err := e.Evaluate(".id", env)
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	got, err = e.Evaluate("round(.total)", env)
	require.NoError(t, err)
	assert.Equal(t, float64(10), got)
}

func TestRewriteLeavesMemberAccessAlone(t *testing.T) {
	assert.Equal(t, "value.id", rewrite(".id"))
	assert.Equal(t, "order.id", rewrite("order.id"))
	assert.Equal(t, "value.a.b", rewrite(".a.b"))
	assert.Equal(t, "1 + value.total", rewrite("1 + .total"))
	assert.Equal(t, "0.5", rewrite("0.5"))
	assert.Equal(t, "length(value.lines)", rewrite("length(.lines)"))
}

func TestIdentifierPrecedence(t *testing.T) {
	e := New()

	// Current-value field shadows variable, which shadows response field.
	env := BuildEnv(
		map[string]any{"status": "from-var"},
		map[string]any{"status": "from-response"},
		map[string]any{"status": "from-value"},
	)
	got, err := e.Evaluate("status", env)
	require.NoError(t, err)
	assert.Equal(t, "from-value", got)

	env = BuildEnv(map[string]any{"status": "from-var"}, map[string]any{"status": "from-response"}, nil)
	got, err = e.Evaluate("status", env)
	require.NoError(t, err)
	assert.Equal(t, "from-var", got)

	env = BuildEnv(nil, map[string]any{"status": "from-response"}, nil)
	got, err = e.Evaluate("status", env)
	require.NoError(t, err)
	assert.Equal(t, "from-response", got)
}

func TestVariablesShadowBuiltins(t *testing.T) {
	e := New()

	// Names that expr also ships as builtins must still resolve to the
	// mission's variables and function set.
	env := BuildEnv(map[string]any{"count": 7, "sum": 10.0}, nil, nil)

	got, err := e.Evaluate("count + sum", env)
	require.NoError(t, err)
	assert.EqualValues(t, 17, got)

	got, err = e.Evaluate(`concat("n=", count)`, env)
	require.NoError(t, err)
	assert.Equal(t, "n=7", got)
}

func TestFunctions(t *testing.T) {
	e := New()
	env := BuildEnv(map[string]any{
		"items": []any{1.0, 2.0, 3.5},
		"name":  "Ada Lovelace",
	}, nil, nil)

	tests := []struct {
		expr string
		want any
	}{
		{"length(items)", 3},
		{"sum(items)", 6.5},
		{"first(items)", 1.0},
		{"last(items)", 3.5},
		{"floor(2.9)", 2.0},
		{"ceil(2.1)", 3.0},
		{`concat("a", "-", 1)`, "a-1"},
		{`lowercase("HELLO")`, "hello"},
		{`split("a,b,c", ",")`, []any{"a", "b", "c"}},
		{`includes(items, 2.0)`, true},
		{`includes("mission", "miss")`, true},
		{`length(env("REQON_SURELY_UNSET_VAR"))`, 0},
	}

	for _, tt := range tests {
		got, err := e.Evaluate(tt.expr, env)
		require.NoError(t, err, tt.expr)
		assert.EqualValues(t, tt.want, got, tt.expr)
	}
}

func TestStringNumberComparisonIsFalse(t *testing.T) {
	e := New()
	got, err := e.Evaluate(`"5" == 5`, BuildEnv(nil, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestEvaluateBool(t *testing.T) {
	e := New()
	env := BuildEnv(map[string]any{"items": []any{}}, nil, nil)

	ok, err := e.EvaluateBool("", env)
	require.NoError(t, err)
	assert.True(t, ok, "empty guard defaults to true")

	ok, err = e.EvaluateBool("items", env)
	require.NoError(t, err)
	assert.False(t, ok, "empty list is falsy in guard position")
}

func TestCompileErrorsSurfaceAsConfigErrors(t *testing.T) {
	e := New()
	_, err := e.Evaluate("1 +", BuildEnv(nil, nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile")
}

func TestCompileCaching(t *testing.T) {
	e := New()
	env := BuildEnv(map[string]any{"x": 1}, nil, nil)

	for i := 0; i < 5; i++ {
		_, err := e.Evaluate("x + 1", env)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.CacheSize())
}
