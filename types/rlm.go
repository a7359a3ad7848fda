package types

import "time"

// ModelUsageSummary tracks call/token counts for a single model. It forms a
// monoid under componentwise addition; the zero value is the identity.
type ModelUsageSummary struct {
	Calls        int `json:"calls"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the componentwise sum of two summaries.
func (m ModelUsageSummary) Add(other ModelUsageSummary) ModelUsageSummary {
	return ModelUsageSummary{
		Calls:        m.Calls + other.Calls,
		InputTokens:  m.InputTokens + other.InputTokens,
		OutputTokens: m.OutputTokens + other.OutputTokens,
	}
}

// UsageSummary maps a model name to its accumulated usage.
type UsageSummary struct {
	ModelUsageSummaries map[string]ModelUsageSummary `json:"model_usage_summaries"`
}

// NewUsageSummary builds an empty UsageSummary.
func NewUsageSummary() UsageSummary {
	return UsageSummary{ModelUsageSummaries: make(map[string]ModelUsageSummary)}
}

// Merge returns a new UsageSummary summing entries of m and other by model name.
func (m UsageSummary) Merge(other UsageSummary) UsageSummary {
	out := make(map[string]ModelUsageSummary, len(m.ModelUsageSummaries)+len(other.ModelUsageSummaries))
	for model, usage := range m.ModelUsageSummaries {
		out[model] = usage
	}
	for model, usage := range other.ModelUsageSummaries {
		if existing, ok := out[model]; ok {
			out[model] = existing.Add(usage)
		} else {
			out[model] = usage
		}
	}
	return UsageSummary{ModelUsageSummaries: out}
}

// Total collapses the summary into a single aggregate across all models.
func (m UsageSummary) Total() ModelUsageSummary {
	var total ModelUsageSummary
	for _, usage := range m.ModelUsageSummaries {
		total = total.Add(usage)
	}
	return total
}

// ChatCompletion is the unit of a single LM call anywhere in the system,
// whether made by the root Driver or by code executing inside an Environment.
type ChatCompletion struct {
	RootModel     string        `json:"root_model"`
	Prompt        any           `json:"prompt"`
	Response      any           `json:"response"`
	Usage         UsageSummary  `json:"usage_summary"`
	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`
	ErrorType     string        `json:"error_type,omitempty"`
	StatusCode    int           `json:"status_code,omitempty"`
}

// REPLResult captures all observable effects of one code-block execution.
type REPLResult struct {
	Stdout        string           `json:"stdout"`
	Stderr        string           `json:"stderr"`
	Locals        map[string]any   `json:"locals"`
	ExecutionTime time.Duration    `json:"execution_time"`
	LLMCalls      []ChatCompletion `json:"llm_calls"`
}

// CodeBlock pairs one executed repl-fenced snippet with its result.
type CodeBlock struct {
	Code   string     `json:"code"`
	Result REPLResult `json:"result"`
}

// RLMIteration is one round of (prompt LM -> extract code -> execute).
// Prompt is the per-iteration user nudge (unset on the default-answer
// iteration); the terminal iteration has FinalAnswer set.
type RLMIteration struct {
	Prompt        any           `json:"prompt"`
	Response      string        `json:"response"`
	CodeBlocks    []CodeBlock   `json:"code_blocks"`
	FinalAnswer   *string       `json:"final_answer,omitempty"`
	IterationTime time.Duration `json:"iteration_time"`
}

// RLMMetadata records the configuration an RLM completion ran with.
type RLMMetadata struct {
	RootModel          string         `json:"root_model"`
	MaxDepth           int            `json:"max_depth"`
	MaxIterations      int            `json:"max_iterations"`
	Backend            string         `json:"backend"`
	BackendKwargs      map[string]any `json:"backend_kwargs,omitempty"`
	EnvironmentType    string         `json:"environment_type"`
	EnvironmentKwargs  map[string]any `json:"environment_kwargs,omitempty"`
	OtherBackends      []string       `json:"other_backends,omitempty"`
}
