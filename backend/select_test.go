package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rlmrun/rlm/types"
)

type stubBackend struct{ name string }

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) Complete(ctx context.Context, p Prompt) (string, types.ModelUsageSummary, error) {
	return s.name, types.ModelUsageSummary{}, nil
}
func (s *stubBackend) LastUsage() types.ModelUsageSummary { return types.ModelUsageSummary{} }
func (s *stubBackend) UsageSummary() types.UsageSummary   { return types.UsageSummary{} }

func TestSelectForDepth_ZeroUsesDefault(t *testing.T) {
	def := &stubBackend{name: "default"}
	other := &stubBackend{name: "other"}
	assert.Same(t, def, SelectForDepth(0, def, []Backend{other}))
}

func TestSelectForDepth_MatchingDepthUsesOther(t *testing.T) {
	def := &stubBackend{name: "default"}
	other1 := &stubBackend{name: "depth1"}
	assert.Same(t, other1, SelectForDepth(1, def, []Backend{other1}))
}

func TestSelectForDepth_BeyondListFallsBackToDefault(t *testing.T) {
	def := &stubBackend{name: "default"}
	assert.Same(t, def, SelectForDepth(3, def, []Backend{}))
}

func TestSelectForDepth_NilEntrySkipped(t *testing.T) {
	def := &stubBackend{name: "default"}
	assert.Same(t, def, SelectForDepth(1, def, []Backend{nil}))
}
