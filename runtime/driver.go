// Package runtime implements the per-completion iteration driver: the
// state machine that prompts a root Backend, extracts and executes repl
// code blocks against an Environment, and decides when a final answer has
// been produced.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rlmrun/rlm/backend"
	"github.com/rlmrun/rlm/environment"
	"github.com/rlmrun/rlm/router"
	"github.com/rlmrun/rlm/runtime/parsing"
	"github.com/rlmrun/rlm/types"
)

// Config controls one Driver's termination and guard behavior.
type Config struct {
	MaxIterations     int
	DisableZeroGuard  bool // allow a FINAL marker to terminate on iteration 0
	CustomSystemPrompt string

	// Depth is this Driver's position in the recursion tree; it is stamped,
	// one level deeper, onto every sub-LM request code running inside Env
	// issues via llm_query/llm_query_batched.
	Depth int
	// RouterAddr, when non-empty, is dialed once per Run so llm_query and
	// llm_query_batched calls issued by executing code reach a live Router
	// instead of failing with "no completion context bound". Left empty,
	// the Driver still runs the prompt/execute/check-terminal loop, but
	// llm_query returns that diagnostic and llm_query_batched an empty table.
	RouterAddr string
}

// Driver runs the INIT -> PROMPTING -> EXECUTING -> CHECK_TERMINAL loop
// for one completion call against a root Backend and an Environment.
type Driver struct {
	cfg     Config
	root    backend.Backend
	env     environment.Environment
	history []types.Message
}

// New constructs a Driver. root is called at depth 0 for every
// model-generation step; env is pre-bound with the prompt payload by the
// caller before Run is invoked.
func New(cfg Config, root backend.Backend, env environment.Environment) *Driver {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 1
	}
	return &Driver{cfg: cfg, root: root, env: env}
}

// Run drives one completion to termination and returns the aggregated
// ChatCompletion plus the full iteration trace.
func (d *Driver) Run(ctx context.Context, prompt string) (types.ChatCompletion, []types.RLMIteration, error) {
	start := time.Now()
	usage := types.NewUsageSummary()
	var iterations []types.RLMIteration

	if d.cfg.RouterAddr != "" {
		// A dial failure here is not fatal: it just means llm_query returns
		// its "no completion context bound" diagnostic and llm_query_batched
		// an empty table instead of real sub-LM responses, exactly as if no
		// RouterAddr had been configured at all.
		if client, err := router.Dial(ctx, d.cfg.RouterAddr); err == nil {
			defer client.Close()
			client.Depth = d.cfg.Depth + 1

			cc := &environment.CompletionContext{}
			cc.Query = func(ctx context.Context, prompt string) (string, error) {
				result, err := client.Complete(ctx, prompt)
				if err != nil {
					return "", err
				}
				if cc.RecordCall != nil {
					cc.RecordCall(types.ChatCompletion{RootModel: result.Model, Response: result.Response, Usage: types.UsageSummary{
						ModelUsageSummaries: map[string]types.ModelUsageSummary{result.Model: result.Usage},
					}})
				}
				return result.Response, nil
			}
			cc.QueryBatched = func(ctx context.Context, prompts []string) ([]string, error) {
				results, err := client.CompleteBatched(ctx, prompts)
				if err != nil {
					return nil, err
				}
				responses := make([]string, len(results))
				for i, result := range results {
					responses[i] = result.Response
					if cc.RecordCall != nil {
						cc.RecordCall(types.ChatCompletion{RootModel: result.Model, Response: result.Response, Usage: types.UsageSummary{
							ModelUsageSummaries: map[string]types.ModelUsageSummary{result.Model: result.Usage},
						}})
					}
				}
				return responses, nil
			}
			d.env.SetCompletionContext(cc)
		}
	}

	d.history = []types.Message{
		types.NewSystemMessage(BuildSystemPrompt(d.cfg.CustomSystemPrompt)),
		types.NewUserMessage(BuildContextShapeMessage("string", len(prompt), nil)),
	}

	var finalAnswer string
	terminated := false

	for iter := 0; iter < d.cfg.MaxIterations; iter++ {
		iterStart := time.Now()

		nudge := BuildIterationNudge(iter, nil)
		d.history = append(d.history, types.NewUserMessage(nudge))

		response, callUsage, err := d.root.Complete(ctx, backend.NewMessagesPrompt(d.history))
		if err != nil {
			return types.ChatCompletion{}, iterations, fmt.Errorf("root backend completion at iteration %d: %w", iter, err)
		}
		usage = usage.Merge(types.UsageSummary{ModelUsageSummaries: map[string]types.ModelUsageSummary{d.root.Name(): callUsage}})

		codeBlocks, err := d.executeCodeBlocks(ctx, response)
		if err != nil {
			return types.ChatCompletion{}, iterations, fmt.Errorf("executing code blocks at iteration %d: %w", iter, err)
		}
		for _, cb := range codeBlocks {
			for _, call := range cb.Result.LLMCalls {
				usage = usage.Merge(call.Usage)
			}
		}

		iteration := types.RLMIteration{
			Prompt:        nudge,
			Response:      response,
			CodeBlocks:    codeBlocks,
			IterationTime: time.Since(iterStart),
		}

		var diagnostic string
		if marker, ok := parsing.FindFinalMarker(response); ok {
			if iter == 0 && !d.cfg.DisableZeroGuard {
				// guard: iteration 0 never accepts a FINAL marker, forcing
				// at least one look at the context.
			} else if _, bound := d.env.FinalVar(marker.Arg); marker.Kind == parsing.FinalVarRef && !bound {
				// An unbound FINAL_VAR does not end the run; its diagnostic is
				// fed back to the model after this iteration's code output.
				diagnostic = d.resolveMarker(marker)
			} else {
				answer := d.resolveMarker(marker)
				iteration.FinalAnswer = &answer
				iterations = append(iterations, iteration)
				finalAnswer = answer
				terminated = true
				break
			}
		}

		d.history = append(d.history, types.NewAssistantMessage(response))
		for _, cb := range codeBlocks {
			summary := FormatCodeBlockSummary(cb.Code, cb.Result.Stdout, cb.Result.Stderr, cb.Result.Locals, len(cb.Result.LLMCalls))
			d.history = append(d.history, types.NewUserMessage(summary))
		}
		if diagnostic != "" {
			d.history = append(d.history, types.NewUserMessage(diagnostic))
		}
		iterations = append(iterations, iteration)
	}

	if !terminated {
		d.history = append(d.history, types.NewUserMessage(DefaultAnswerNudge))
		response, callUsage, err := d.root.Complete(ctx, backend.NewMessagesPrompt(d.history))
		if err != nil {
			return types.ChatCompletion{}, iterations, fmt.Errorf("default-answer completion: %w", err)
		}
		usage = usage.Merge(types.UsageSummary{ModelUsageSummaries: map[string]types.ModelUsageSummary{d.root.Name(): callUsage}})
		finalAnswer = response
		iterations = append(iterations, types.RLMIteration{Response: response, FinalAnswer: &response})
	}

	completion := types.ChatCompletion{
		RootModel:     d.root.Name(),
		Prompt:        prompt,
		Response:      finalAnswer,
		Usage:         usage,
		ExecutionTime: time.Since(start),
	}
	return completion, iterations, nil
}

// executeCodeBlocks runs every repl-fenced block found in response, in
// textual order, against the driver's Environment.
func (d *Driver) executeCodeBlocks(ctx context.Context, response string) ([]types.CodeBlock, error) {
	codes := parsing.FindCodeBlocks(response)
	blocks := make([]types.CodeBlock, 0, len(codes))
	for _, code := range codes {
		result, err := d.env.Execute(ctx, code)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, types.CodeBlock{Code: code, Result: result})
	}
	return blocks, nil
}

// resolveMarker turns a parsed FinalMarker into the literal final-answer
// text: a literal marker's argument is used verbatim; a FINAL_VAR
// reference is resolved against the Environment's namespace, falling back
// to a diagnostic string (never an error) when the name is unbound.
func (d *Driver) resolveMarker(marker parsing.FinalMarker) string {
	if marker.Kind == parsing.FinalLiteral {
		return marker.Arg
	}
	return parsing.ResolveFinalVar(marker.Arg, d.env.FinalVar, nil)
}
