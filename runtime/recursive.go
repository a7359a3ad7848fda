package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/rlmrun/rlm/backend"
	"github.com/rlmrun/rlm/environment"
	"github.com/rlmrun/rlm/types"
)

// RecursiveConfig configures a Recursive backend: the depth it runs at,
// the maximum depth the whole run is allowed to reach, the iteration
// budget its *parent* driver ran with (this client halves it for the
// nested run), and the backend/environment factories used to build the
// nested RLM.
type RecursiveConfig struct {
	Depth               int
	MaxDepth            int
	ParentMaxIterations int
	DefaultBackend      backend.Backend
	OtherBackends       []backend.Backend
	NewEnvironment      func() environment.Environment
	// RouterAddr, when non-empty, is handed to the nested Driver so code it
	// executes can still reach llm_query/llm_query_batched one level deeper.
	RouterAddr string
}

// Recursive is the Backend-shaped adapter described by the recursive
// sub-LM client: asked for a completion, it spins up a brand-new Driver at
// depth+1 with a halved iteration budget, runs it to completion, and
// returns the final answer as if it were a direct LM response. At or beyond
// MaxDepth it degrades to a direct call on the depth-selected Backend.
type Recursive struct {
	cfg RecursiveConfig

	mu               sync.Mutex
	modelCallCounts  map[string]int
	modelInputTokens map[string]int
	modelOutputTokens map[string]int
	depthCallCounts  map[int]int
	lastUsage        types.ModelUsageSummary
	base             backend.Backend
}

// NewRecursive validates depth/maxDepth and selects this depth's
// underlying Backend via the stable tie-break.
func NewRecursive(cfg RecursiveConfig) (*Recursive, error) {
	if cfg.Depth < 0 {
		return nil, fmt.Errorf("recursive backend: depth must be >= 0, got %d", cfg.Depth)
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("recursive backend: max depth must be >= 0, got %d", cfg.MaxDepth)
	}
	base := backend.SelectForDepth(cfg.Depth, cfg.DefaultBackend, cfg.OtherBackends)
	return &Recursive{
		cfg:               cfg,
		modelCallCounts:   make(map[string]int),
		modelInputTokens:  make(map[string]int),
		modelOutputTokens: make(map[string]int),
		depthCallCounts:   make(map[int]int),
		base:              base,
	}, nil
}

func (r *Recursive) Name() string { return "recursive:" + r.base.Name() }

// Complete either degrades to a direct call on the underlying Backend (at
// or beyond MaxDepth) or spawns a nested Driver at Depth+1 and returns its
// final answer.
func (r *Recursive) Complete(ctx context.Context, prompt backend.Prompt) (string, types.ModelUsageSummary, error) {
	if r.cfg.MaxDepth <= 0 || r.cfg.Depth >= r.cfg.MaxDepth {
		resp, usage, err := r.base.Complete(ctx, prompt)
		if err != nil {
			return "", types.ModelUsageSummary{}, err
		}
		r.record(r.base.Name(), usage, r.cfg.Depth)
		return resp, usage, nil
	}

	nestedMaxIterations := r.cfg.ParentMaxIterations / 2
	if nestedMaxIterations < 1 {
		nestedMaxIterations = 1
	}

	var env environment.Environment
	if r.cfg.NewEnvironment != nil {
		env = r.cfg.NewEnvironment()
	} else {
		env = environment.NewLua(environment.Config{})
	}
	env.AddContext(promptText(prompt))
	defer env.Cleanup()

	nestedBackend, err := NewRecursive(RecursiveConfig{
		Depth:               r.cfg.Depth + 1,
		MaxDepth:            r.cfg.MaxDepth,
		ParentMaxIterations: nestedMaxIterations,
		DefaultBackend:      r.cfg.DefaultBackend,
		OtherBackends:       r.cfg.OtherBackends,
		NewEnvironment:      r.cfg.NewEnvironment,
		RouterAddr:          r.cfg.RouterAddr,
	})
	if err != nil {
		return "", types.ModelUsageSummary{}, err
	}

	driver := New(Config{MaxIterations: nestedMaxIterations, Depth: r.cfg.Depth + 1, RouterAddr: r.cfg.RouterAddr}, nestedBackend, env)
	completion, _, err := driver.Run(ctx, promptText(prompt))
	if err != nil {
		return "", types.ModelUsageSummary{}, fmt.Errorf("nested completion at depth %d: %w", r.cfg.Depth+1, err)
	}

	total := completion.Usage.Total()
	for model, usage := range completion.Usage.ModelUsageSummaries {
		r.record(model, usage, r.cfg.Depth+1)
	}
	if counter, ok := any(nestedBackend).(backend.DepthCallCounter); ok {
		r.mu.Lock()
		for depth, count := range counter.DepthCallCounts() {
			r.depthCallCounts[depth] += count
		}
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.lastUsage = total
	r.mu.Unlock()

	return completion.Response, total, nil
}

func promptText(p backend.Prompt) string {
	if !p.IsMessages() {
		return p.Text
	}
	var last string
	for _, m := range p.Messages {
		last = m.Content
	}
	return last
}

func (r *Recursive) record(model string, usage types.ModelUsageSummary, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelCallCounts[model] += usage.Calls
	r.modelInputTokens[model] += usage.InputTokens
	r.modelOutputTokens[model] += usage.OutputTokens
	r.depthCallCounts[depth] += usage.Calls
	r.lastUsage = usage
}

func (r *Recursive) LastUsage() types.ModelUsageSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsage
}

func (r *Recursive) UsageSummary() types.UsageSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := types.NewUsageSummary()
	for model, calls := range r.modelCallCounts {
		out.ModelUsageSummaries[model] = types.ModelUsageSummary{
			Calls:        calls,
			InputTokens:  r.modelInputTokens[model],
			OutputTokens: r.modelOutputTokens[model],
		}
	}
	return out
}

// DepthCallCounts implements backend.DepthCallCounter so a parent
// Recursive backend (or the Router) can fold nested depth accounting
// upward via a type assertion rather than a required interface method.
func (r *Recursive) DepthCallCounts() map[int]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]int, len(r.depthCallCounts))
	for k, v := range r.depthCallCounts {
		out[k] = v
	}
	return out
}
