package backend

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rlmrun/rlm/llm/circuitbreaker"
	"github.com/rlmrun/rlm/llm/retry"
	"github.com/rlmrun/rlm/types"
)

// Resilient wraps a Backend with the retry-with-backoff and circuit-breaker
// policies the Backend contract requires: transient errors (rate limits,
// network, timeouts, 5xx) are retried with exponential backoff and jitter
// up to a configured cap; non-transient errors fail immediately. A tripped
// circuit breaker short-circuits further calls to a provider that is down
// without waiting out the retry policy on every request.
type Resilient struct {
	inner   Backend
	retryer retry.Retryer
	breaker circuitbreaker.CircuitBreaker
}

// NewResilient wraps inner with the given retry policy and circuit breaker
// config, using logger for both (a no-op logger is substituted when nil).
func NewResilient(inner Backend, retryPolicy *retry.RetryPolicy, cbConfig *circuitbreaker.Config, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryPolicy == nil {
		retryPolicy = retry.DefaultRetryPolicy()
	}
	retryPolicy.RetryableErrors = nil // filtered via isRetryable predicate below, not a fixed list
	if cbConfig == nil {
		cbConfig = circuitbreaker.DefaultConfig()
	}
	return &Resilient{
		inner:   inner,
		retryer: retry.NewBackoffRetryer(retryPolicy, logger),
		breaker: circuitbreaker.NewCircuitBreaker(cbConfig, logger),
	}
}

func (r *Resilient) Name() string { return r.inner.Name() }

// Complete runs the wrapped Backend's Complete through the circuit breaker
// and retry policy. A permanent (non-retryable) error short-circuits the
// retry loop on first occurrence rather than spending the attempt budget.
func (r *Resilient) Complete(ctx context.Context, prompt Prompt) (string, types.ModelUsageSummary, error) {
	var (
		response    string
		usage       types.ModelUsageSummary
		permanent   error
	)
	err := r.breaker.Call(ctx, func() error {
		return r.retryer.Do(ctx, func() error {
			if permanent != nil {
				return nil // already failed permanently; tell the retryer to stop
			}
			resp, u, callErr := r.inner.Complete(ctx, prompt)
			if callErr != nil {
				if !isRetryableErr(callErr) {
					permanent = callErr
					return nil
				}
				return callErr
			}
			response, usage = resp, u
			return nil
		})
	})
	if permanent != nil {
		return "", types.ModelUsageSummary{}, permanent
	}
	return response, usage, err
}

func (r *Resilient) LastUsage() types.ModelUsageSummary { return r.inner.LastUsage() }
func (r *Resilient) UsageSummary() types.UsageSummary   { return r.inner.UsageSummary() }

func isRetryableErr(err error) bool {
	var rlmErr *types.Error
	if errors.As(err, &rlmErr) {
		return rlmErr.Retryable
	}
	// Unclassified errors (network blips, context deadlines from the
	// provider's own HTTP client) default to retryable; configuration-shaped
	// errors are always wrapped as *types.Error by the provider backends.
	return true
}
