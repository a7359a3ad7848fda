package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlmrun/rlm/backend"
	"github.com/rlmrun/rlm/environment"
	"github.com/rlmrun/rlm/types"
)

type directBackend struct {
	name     string
	response string
	calls    int
}

func (d *directBackend) Name() string { return d.name }
func (d *directBackend) Complete(ctx context.Context, p backend.Prompt) (string, types.ModelUsageSummary, error) {
	d.calls++
	return d.response, types.ModelUsageSummary{Calls: 1}, nil
}
func (d *directBackend) LastUsage() types.ModelUsageSummary { return types.ModelUsageSummary{} }
func (d *directBackend) UsageSummary() types.UsageSummary   { return types.UsageSummary{} }

func TestRecursive_DegradesToDirectCallAtMaxDepth(t *testing.T) {
	root := &directBackend{name: "root", response: "direct answer"}
	r, err := NewRecursive(RecursiveConfig{
		Depth:          2,
		MaxDepth:       2,
		DefaultBackend: root,
	})
	require.NoError(t, err)

	resp, usage, err := r.Complete(context.Background(), backend.NewTextPrompt("hello"))
	require.NoError(t, err)
	assert.Equal(t, "direct answer", resp)
	assert.Equal(t, 1, usage.Calls)
	assert.Equal(t, 1, root.calls)
}

func TestRecursive_SpawnsNestedDriverBelowMaxDepth(t *testing.T) {
	root := &directBackend{name: "root", response: "FINAL(nested result)"}
	r, err := NewRecursive(RecursiveConfig{
		Depth:               0,
		MaxDepth:             2,
		ParentMaxIterations:  4,
		DefaultBackend:       root,
		NewEnvironment:       func() environment.Environment { return environment.NewLua(environment.Config{}) },
	})
	require.NoError(t, err)

	resp, _, err := r.Complete(context.Background(), backend.NewTextPrompt("recurse please"))
	require.NoError(t, err)
	assert.Equal(t, "nested result", resp)
}

func TestRecursive_HalvesIterationBudgetForNestedDriver(t *testing.T) {
	inner := &directBackend{name: "root", response: "no marker yet"}
	root, err := NewRecursive(RecursiveConfig{
		Depth:               0,
		MaxDepth:             1,
		ParentMaxIterations:  1,
		DefaultBackend:       inner,
	})
	require.NoError(t, err)
	assert.NotNil(t, root)

	_, _, err = root.Complete(context.Background(), backend.NewTextPrompt("go"))
	require.NoError(t, err)
	// ParentMaxIterations of 1 halves to max(1, 0) == 1, never zero: one
	// nested iteration plus the default-answer turn.
	assert.Equal(t, 2, inner.calls)
}

func TestRecursive_InvalidDepthRejected(t *testing.T) {
	_, err := NewRecursive(RecursiveConfig{Depth: -1, MaxDepth: 1})
	assert.Error(t, err)
}

func TestRecursive_DepthCallCountsFoldUpward(t *testing.T) {
	root := &directBackend{name: "root", response: "FINAL(done)"}
	r, err := NewRecursive(RecursiveConfig{
		Depth:               0,
		MaxDepth:             2,
		ParentMaxIterations:  2,
		DefaultBackend:       root,
	})
	require.NoError(t, err)

	_, _, err = r.Complete(context.Background(), backend.NewTextPrompt("go"))
	require.NoError(t, err)

	counts := r.DepthCallCounts()
	assert.NotEmpty(t, counts)
}
