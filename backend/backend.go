// Package backend adapts single LM providers into the capability set the
// RLM runtime needs: synchronous and asynchronous completion plus per-call
// and cumulative usage reporting.
package backend

import (
	"context"
	"sync"

	"github.com/rlmrun/rlm/types"
)

// Backend is the adapter to one LM provider. Implementations must be
// safe for concurrent use: the Router may dispatch many requests to the
// same Backend from different connection goroutines.
type Backend interface {
	// Name identifies the backend for routing and usage attribution.
	Name() string
	// Complete performs a single synchronous completion.
	Complete(ctx context.Context, prompt Prompt) (string, types.ModelUsageSummary, error)
	// LastUsage reports the usage of the most recent call.
	LastUsage() types.ModelUsageSummary
	// UsageSummary reports cumulative usage across all calls this Backend
	// has served, keyed by its own model name.
	UsageSummary() types.UsageSummary
}

// DepthCallCounter is optionally implemented by Backends that wrap a nested
// driver (see runtime.Recursive) so the Router can fold their per-depth
// call counts into its own accounting. Plain provider backends do not
// implement this; callers must type-assert rather than require it.
type DepthCallCounter interface {
	DepthCallCounts() map[int]int
}

// Prompt is either a single user string or an ordered sequence of
// role-tagged messages. A system-role message MUST be delivered to the
// provider as a system instruction when the provider distinguishes one;
// otherwise it is prepended to the first user message.
type Prompt struct {
	Text     string
	Messages []types.Message
}

// NewTextPrompt wraps a bare string prompt.
func NewTextPrompt(text string) Prompt {
	return Prompt{Text: text}
}

// NewMessagesPrompt wraps a role-tagged message sequence.
func NewMessagesPrompt(messages []types.Message) Prompt {
	return Prompt{Messages: messages}
}

// IsMessages reports whether the prompt is a message sequence rather than
// a bare string.
func (p Prompt) IsMessages() bool {
	return p.Messages != nil
}

// usageTracker is embedded by concrete Backend implementations to provide
// the shared last/cumulative usage bookkeeping mandated by the Backend
// contract, guarded by a mutex since calls may race across goroutines.
type usageTracker struct {
	mu         sync.Mutex
	modelName  string
	last       types.ModelUsageSummary
	cumulative types.ModelUsageSummary
}

func (t *usageTracker) record(usage types.ModelUsageSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = usage
	t.cumulative = t.cumulative.Add(usage)
}

// LastUsage implements the Backend.LastUsage contract for any type that
// embeds usageTracker.
func (t *usageTracker) LastUsage() types.ModelUsageSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// UsageSummary implements the Backend.UsageSummary contract for any type
// that embeds usageTracker.
func (t *usageTracker) UsageSummary() types.UsageSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.UsageSummary{
		ModelUsageSummaries: map[string]types.ModelUsageSummary{
			t.modelName: t.cumulative,
		},
	}
}
