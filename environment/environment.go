// Package environment provides the sandboxed code-execution namespaces an
// iteration driver runs generated code blocks against. Every variant
// implements the same Environment contract so the driver is agnostic to
// whether code runs in-process, in a child process, in a container, or on
// a remote sandbox service.
package environment

import (
	"context"
	"time"

	"github.com/rlmrun/rlm/types"
)

// Environment executes one fenced code block against a persistent, named
// namespace and reports everything the block observably did: stdout,
// stderr, the post-execution locals snapshot, and any LM calls the code
// itself issued through the injected llm_query binding.
type Environment interface {
	// Execute runs code against the environment's current namespace and
	// returns the observable result. Implementations must serialize
	// concurrent calls against the same namespace; the driver never issues
	// overlapping Execute calls for one RLM run, but a router-backed
	// environment may still be reached by nested recursive calls.
	Execute(ctx context.Context, code string) (types.REPLResult, error)

	// FinalVar resolves a FINAL_VAR(name) reference against the current
	// namespace. ok is false when name is not bound; environments must not
	// treat a miss as an error.
	FinalVar(name string) (value string, ok bool)

	// UpdateRouterAddress rebinds the address code running inside the
	// environment uses to reach the LM router, used when a router is
	// (re)started after the environment itself was constructed.
	UpdateRouterAddress(addr string)

	// AddContext binds another versioned context_N entry (and, for N==0,
	// the bare context alias) into the namespace.
	AddContext(value any)
	// ContextCount reports how many context_N entries have been bound.
	ContextCount() int

	// AddHistory binds another versioned history_N entry (and, for N==0,
	// the bare history alias) into the namespace.
	AddHistory(value any)
	// HistoryCount reports how many history_N entries have been bound.
	HistoryCount() int

	// SetCompletionContext swaps in the per-completion callbacks (the
	// llm_query and llm_query_batched targets and the LM-call recorder)
	// that executing code uses during one completion.
	SetCompletionContext(cc *CompletionContext)

	// Cleanup releases any resources (temp dirs, child processes,
	// container handles) the environment is holding.
	Cleanup() error
}

// CompletionContext is the mutable, per-completion state an Environment
// needs while a single RLM.Completion call is in flight: where to send
// llm_query calls issued by executing code, and where to record their
// usage so the driver can fold it into the iteration's ChatCompletion log.
type CompletionContext struct {
	// Query is called by the injected llm_query/llm_query_batched
	// bindings. It must be safe for the environment to call synchronously
	// from within Execute.
	Query func(ctx context.Context, prompt string) (string, error)
	// QueryBatched is called by llm_query_batched for fan-out prompts.
	QueryBatched func(ctx context.Context, prompts []string) ([]string, error)
	// RecordCall appends one LM call made by executing code to the
	// iteration's call ledger.
	RecordCall func(completion types.ChatCompletion)
}

// Config carries the fields common to every Environment variant. Concrete
// constructors accept this plus their own variant-specific options.
type Config struct {
	Timeout     time.Duration
	Persistent  bool
	RouterAddr  string
	WorkDir     string
}
