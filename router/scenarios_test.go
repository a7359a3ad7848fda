package router

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rlmrun/rlm/backend"
	"github.com/rlmrun/rlm/types"
)

// jitteryBackend sleeps a random short duration before replying, so
// concurrent batch members genuinely complete out of submission order.
type jitteryBackend struct {
	name string
}

func (j *jitteryBackend) Name() string { return j.name }

func (j *jitteryBackend) Complete(ctx context.Context, p backend.Prompt) (string, types.ModelUsageSummary, error) {
	time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
	return fmt.Sprintf("%s-done", p.Text), types.ModelUsageSummary{Calls: 1}, nil
}

func (j *jitteryBackend) LastUsage() types.ModelUsageSummary { return types.ModelUsageSummary{} }
func (j *jitteryBackend) UsageSummary() types.UsageSummary   { return types.UsageSummary{} }

// Scenario S6: concurrent batched sub-LM calls, order-preserved. 10 prompts
// against a Backend with random per-call latency; the response list must
// match input order and every prompt must have produced exactly one call.
func TestScenario_S6_ConcurrentBatchedCallsOrderPreserved(t *testing.T) {
	def := &jitteryBackend{name: "jittery"}
	r := New(def, zap.NewNop())

	prompts := make([]string, 10)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("p%d", i)
	}

	resp := r.Handle(context.Background(), Request{Prompts: prompts})
	require.True(t, resp.Success)
	require.Len(t, resp.ChatCompletions, 10)

	for i, prompt := range prompts {
		require.NotNil(t, resp.ChatCompletions[i])
		assert.Equal(t, prompt+"-done", resp.ChatCompletions[i].Response)
	}
}
