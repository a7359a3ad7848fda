package runtime

import (
	"fmt"
	"strings"
)

const systemPromptTemplate = `You are a Recursive Language Model operating inside an iterative REPL loop.

You have access to a persistent code environment bound to the variable
"context" (the user's input). You may write code in fenced blocks tagged
"repl" to inspect, transform, or compute over the context:

` + "```repl" + `
<your code here>
` + "```" + `

Inside the REPL you may call:
  llm_query(prompt) -> str                  one sub-LM completion
  llm_query_batched(prompts) -> list[str]   concurrent sub-LM completions
  FINAL_VAR(name) -> str                    stringify a bound variable
  print(...)                                captured as this block's stdout

When you are ready to answer, emit exactly one of, outside any repl fence:
  FINAL(<your literal answer text>)
  FINAL_VAR(<name of a variable already bound in the REPL>)

Do not emit a FINAL marker before you have inspected the context at least
once through the REPL.`

// BuildSystemPrompt returns the fixed system-prompt template, optionally
// replaced wholesale by a caller-supplied override.
func BuildSystemPrompt(override string) string {
	if override != "" {
		return override
	}
	return systemPromptTemplate
}

// BuildContextShapeMessage describes the prompt payload's shape (type,
// total length, per-chunk lengths) without repeating its full content, so
// the model knows what it is about to inspect via the REPL.
func BuildContextShapeMessage(payloadType string, totalLen int, chunkLens []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The bound context is of type %s with total length %d.\n", payloadType, totalLen)
	if len(chunkLens) == 0 {
		return b.String()
	}
	b.WriteString("Per-chunk lengths: [")
	shown := chunkLens
	truncated := false
	if len(shown) > 100 {
		shown = shown[:100]
		truncated = true
	}
	for i, l := range shown {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d", l)
	}
	b.WriteString("]")
	if truncated {
		fmt.Fprintf(&b, " … %d others", len(chunkLens)-100)
	}
	b.WriteString("\n")
	return b.String()
}

// BuildIterationNudge builds the per-iteration user turn that pushes the
// model to keep working: iteration 0 warns it has not inspected the
// context yet; later iterations recap that prior history is REPL output.
// sessionNames lists any extra session context/history bindings to call
// out by name.
func BuildIterationNudge(iteration int, sessionNames []string) string {
	var b strings.Builder
	if iteration == 0 {
		b.WriteString("You have not looked at the context yet — do not answer now. ")
		b.WriteString("Inspect it with a repl block first.")
	} else {
		b.WriteString("The prior history is your interactions with the REPL. ")
		b.WriteString("Continue, or emit a FINAL marker if you are ready.")
	}
	if len(sessionNames) > 0 {
		fmt.Fprintf(&b, " Additional bound names available: %s.", strings.Join(sessionNames, ", "))
	}
	return b.String()
}

// DefaultAnswerNudge is appended when the iteration budget is exhausted,
// asking the model for a direct answer with no further code extraction.
const DefaultAnswerNudge = "Please provide a final answer based on what you have."

// FormatCodeBlockSummary renders one executed code block (its code,
// captured stdout/stderr, a compact locals snapshot, and any sub-LM calls
// it made) back into the message history for the next iteration.
func FormatCodeBlockSummary(code, stdout, stderr string, locals map[string]any, llmCallCount int) string {
	var b strings.Builder
	b.WriteString("```repl\n")
	b.WriteString(code)
	b.WriteString("\n```\n")
	if stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", stdout)
	}
	if stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", stderr)
	}
	if len(locals) > 0 {
		fmt.Fprintf(&b, "locals: %v\n", locals)
	}
	if llmCallCount > 0 {
		fmt.Fprintf(&b, "(%d sub-LM call(s) made in this block)\n", llmCallCount)
	}
	return b.String()
}
