package environment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLua_Execute_CapturesStdout(t *testing.T) {
	env := NewLua(Config{})
	defer env.Cleanup()

	result, err := env.Execute(context.Background(), `print("hello", "world")`)
	require.NoError(t, err)
	assert.Equal(t, "hello\tworld\n", result.Stdout)
	assert.Empty(t, result.Stderr)
}

func TestLua_Execute_PersistsStateAcrossCalls(t *testing.T) {
	env := NewLua(Config{})
	defer env.Cleanup()

	_, err := env.Execute(context.Background(), `x = 41 + 1`)
	require.NoError(t, err)

	val, ok := env.FinalVar("x")
	require.True(t, ok)
	assert.Equal(t, "42", val)
}

func TestLua_Execute_CapturesRuntimeErrorNonFatally(t *testing.T) {
	env := NewLua(Config{})
	defer env.Cleanup()

	result, err := env.Execute(context.Background(), `error("boom")`)
	require.NoError(t, err)
	assert.Contains(t, result.Stderr, "boom")
}

func TestLua_FinalVar_MissReportsFalse(t *testing.T) {
	env := NewLua(Config{})
	defer env.Cleanup()

	_, ok := env.FinalVar("does_not_exist")
	assert.False(t, ok)
}

func TestLua_AddContext_BindsIndexedAndAliasGlobals(t *testing.T) {
	env := NewLua(Config{})
	defer env.Cleanup()

	env.AddContext("first")
	env.AddContext("second")
	assert.Equal(t, 2, env.ContextCount())

	v0, ok := env.FinalVar("context_0")
	require.True(t, ok)
	assert.Equal(t, "first", v0)

	alias, ok := env.FinalVar("context")
	require.True(t, ok)
	assert.Equal(t, "first", alias)

	v1, ok := env.FinalVar("context_1")
	require.True(t, ok)
	assert.Equal(t, "second", v1)
}

func TestLua_AddHistory_TracksCount(t *testing.T) {
	env := NewLua(Config{})
	defer env.Cleanup()

	env.AddHistory("turn one")
	assert.Equal(t, 1, env.HistoryCount())
}

func TestLua_LLMQuery_UnavailableWithoutCompletionContext(t *testing.T) {
	env := NewLua(Config{})
	defer env.Cleanup()

	result, err := env.Execute(context.Background(), `resp, errMsg = llm_query("hi")`)
	require.NoError(t, err)
	assert.Empty(t, result.Stderr)

	errMsg, ok := env.FinalVar("errMsg")
	require.True(t, ok)
	assert.Contains(t, errMsg, "unavailable")
}

func TestLua_LLMQuery_UsesCompletionContext(t *testing.T) {
	env := NewLua(Config{})
	defer env.Cleanup()

	env.SetCompletionContext(&CompletionContext{
		Query: func(ctx context.Context, prompt string) (string, error) {
			return "echo:" + prompt, nil
		},
	})

	_, err := env.Execute(context.Background(), `resp = llm_query("ping")`)
	require.NoError(t, err)

	resp, ok := env.FinalVar("resp")
	require.True(t, ok)
	assert.Equal(t, "echo:ping", resp)
}

func TestLua_SnapshotGlobals_ExcludesReservedNames(t *testing.T) {
	env := NewLua(Config{})
	defer env.Cleanup()

	result, err := env.Execute(context.Background(), `user_value = 7`)
	require.NoError(t, err)
	assert.Contains(t, result.Locals, "user_value")
	assert.NotContains(t, result.Locals, "print")
	assert.NotContains(t, result.Locals, "llm_query")
}
