package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rlmrun/rlm/llm/circuitbreaker"
	"github.com/rlmrun/rlm/llm/retry"
	"github.com/rlmrun/rlm/types"
)

type scriptedBackend struct {
	usageTracker
	calls   int
	scripts []func() (string, error)
}

func (s *scriptedBackend) Name() string { return "scripted" }

func (s *scriptedBackend) Complete(ctx context.Context, p Prompt) (string, types.ModelUsageSummary, error) {
	i := s.calls
	s.calls++
	resp, err := s.scripts[i]()
	if err != nil {
		return "", types.ModelUsageSummary{}, err
	}
	usage := types.ModelUsageSummary{Calls: 1}
	s.record(usage)
	return resp, usage, nil
}

func fastPolicy() *retry.RetryPolicy {
	return &retry.RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestResilient_PassesThroughSuccess(t *testing.T) {
	inner := &scriptedBackend{scripts: []func() (string, error){
		func() (string, error) { return "ok", nil },
	}}
	r := NewResilient(inner, fastPolicy(), circuitbreaker.DefaultConfig(), zap.NewNop())
	resp, usage, err := r.Complete(context.Background(), NewTextPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, 1, usage.Calls)
	assert.Equal(t, 1, inner.calls)
}

func TestResilient_RetriesTransientError(t *testing.T) {
	retryable := &types.Error{Code: types.ErrRateLimited, Retryable: true}
	inner := &scriptedBackend{scripts: []func() (string, error){
		func() (string, error) { return "", retryable },
		func() (string, error) { return "recovered", nil },
	}}
	r := NewResilient(inner, fastPolicy(), circuitbreaker.DefaultConfig(), zap.NewNop())
	resp, _, err := r.Complete(context.Background(), NewTextPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp)
	assert.Equal(t, 2, inner.calls)
}

func TestResilient_PermanentErrorShortCircuits(t *testing.T) {
	permanent := &types.Error{Code: types.ErrUnauthorized, Retryable: false}
	inner := &scriptedBackend{scripts: []func() (string, error){
		func() (string, error) { return "", permanent },
		func() (string, error) { return "should never run", nil },
	}}
	r := NewResilient(inner, fastPolicy(), circuitbreaker.DefaultConfig(), zap.NewNop())
	_, _, err := r.Complete(context.Background(), NewTextPrompt("hi"))
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
	var rlmErr *types.Error
	require.ErrorAs(t, err, &rlmErr)
	assert.Equal(t, types.ErrUnauthorized, rlmErr.Code)
}

func TestResilient_DelegatesNameAndUsage(t *testing.T) {
	inner := &scriptedBackend{scripts: []func() (string, error){
		func() (string, error) { return "ok", nil },
	}}
	r := NewResilient(inner, fastPolicy(), circuitbreaker.DefaultConfig(), zap.NewNop())
	assert.Equal(t, "scripted", r.Name())
	_, _, err := r.Complete(context.Background(), NewTextPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.LastUsage().Calls)
}
