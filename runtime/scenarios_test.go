package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario S1: single turn, direct FINAL. max_iterations=2, one repl block
// printing "ok" followed by FINAL(hi) in the very first response that's
// allowed to terminate (zero-guard disabled to match the scenario's
// single-response shape).
func TestScenario_S1_SingleTurnDirectFinal(t *testing.T) {
	root := &scriptedBackend{responses: []string{
		"```repl\nprint('ok')\n```\nFINAL(hi)",
	}}
	env := newRecordingEnv()
	d := New(Config{MaxIterations: 2, DisableZeroGuard: true}, root, env)

	completion, iterations, err := d.Run(context.Background(), "say hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", completion.Response)
	require.Len(t, iterations, 1)
	require.Len(t, iterations[0].CodeBlocks, 1)
}

// Scenario S2: two-iteration compute. Iteration 1 computes and prints a
// value; iteration 2 resolves the final answer via FINAL_VAR. The recording
// environment runs no code, so the binding iteration 1 would leave is preset.
func TestScenario_S2_TwoIterationCompute(t *testing.T) {
	root := &scriptedBackend{responses: []string{
		"```repl\nanswer = 21*2\nprint(answer)\n```",
		`FINAL_VAR(answer)`,
	}}
	env := newRecordingEnv()
	env.vars["answer"] = "42"
	d := New(Config{MaxIterations: 2}, root, env)

	completion, iterations, err := d.Run(context.Background(), "what is 21*2")
	require.NoError(t, err)
	assert.Equal(t, "42", completion.Response)
	assert.Len(t, iterations, 2)
}

// Scenario S4: budget exhaustion. max_iterations=1 and the only response
// carries neither a FINAL marker nor any code; the driver must still
// terminate cleanly via the default-answer fallback.
func TestScenario_S4_BudgetExhaustionFallsBackToDefaultAnswer(t *testing.T) {
	root := &scriptedBackend{responses: []string{
		"no marker and no code here",
		"whatever the backend says on the extra turn",
	}}
	env := newRecordingEnv()
	d := New(Config{MaxIterations: 1}, root, env)

	completion, iterations, err := d.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "whatever the backend says on the extra turn", completion.Response)
	assert.Equal(t, 2, root.calls)
	assert.Len(t, iterations, 2)
}
