package expr

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileAndEvalBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`request.path.startsWith("/api/") && request.method == "GET"`)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/words?limit=5", nil)
	matched, err := program.EvalBool(RequestActivation(req))
	require.NoError(t, err)
	require.True(t, matched)

	req = httptest.NewRequest("GET", "/static/app.js", nil)
	matched, err = program.EvalBool(RequestActivation(req))
	require.NoError(t, err)
	require.False(t, matched)
}

func TestCompileRejectsNonBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`request.path`)
	require.Error(t, err)
}

func TestCompileRejectsEmptyExpression(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)
}

func TestRequestActivationLowercasesHeaders(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`request.header["sec-fetch-mode"] == "navigate"`)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	matched, err := program.EvalBool(RequestActivation(req))
	require.NoError(t, err)
	require.True(t, matched)
}

func TestEvalBoolOnZeroProgram(t *testing.T) {
	var program Program
	_, err := program.EvalBool(map[string]any{})
	require.Error(t, err)
}
