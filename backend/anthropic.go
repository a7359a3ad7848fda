package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rlmrun/rlm/llm/tokenizer"
	"github.com/rlmrun/rlm/types"
)

// AnthropicConfig configures a direct-provider Backend talking to the
// Claude Messages API.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Anthropic is the direct-provider Backend variant: a thin HTTP client for
// Anthropic's /v1/messages endpoint. Authentication uses the x-api-key
// header (not Bearer), matching the provider's actual contract.
type Anthropic struct {
	usageTracker
	cfg    AnthropicConfig
	client *http.Client
	logger *zap.Logger
}

// NewAnthropic creates a direct Anthropic Backend.
func NewAnthropic(cfg AnthropicConfig, logger *zap.Logger) *Anthropic {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-20241022"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Anthropic{
		usageTracker: usageTracker{modelName: cfg.Model},
		cfg:          cfg,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

func (a *Anthropic) Name() string { return "anthropic:" + a.cfg.Model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   *anthropicUsage         `json:"usage"`
}

type anthropicErrorResp struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Backend. A message sequence with a system-role entry
// is delivered via the dedicated "system" field; plain string prompts are
// sent as a single user turn.
func (a *Anthropic) Complete(ctx context.Context, prompt Prompt) (string, types.ModelUsageSummary, error) {
	system, messages := a.buildMessages(prompt)

	body, err := json.Marshal(anthropicRequest{
		Model:     a.cfg.Model,
		System:    system,
		Messages:  messages,
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return "", types.ModelUsageSummary{}, &types.Error{
			Code: types.ErrInvalidRequest, Message: err.Error(), Provider: "anthropic",
		}
	}

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", types.ModelUsageSummary{}, &types.Error{Code: types.ErrInternalError, Message: err.Error(), Provider: "anthropic"}
	}
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", types.ModelUsageSummary{}, &types.Error{
			Code: types.ErrUpstreamTimeout, Message: err.Error(), Retryable: true, Provider: "anthropic",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readAnthropicErrMsg(resp.Body)
		return "", types.ModelUsageSummary{}, mapAnthropicError(resp.StatusCode, msg)
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.ModelUsageSummary{}, &types.Error{Code: types.ErrUpstreamError, Message: err.Error(), Provider: "anthropic"}
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var usage types.ModelUsageSummary
	if out.Usage != nil {
		usage = types.ModelUsageSummary{Calls: 1, InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens}
	} else {
		usage = tokenizer.EstimateUsage(a.cfg.Model, system+"\n"+promptText(messages), text.String())
	}
	a.record(usage)
	return text.String(), usage, nil
}

func (a *Anthropic) buildMessages(prompt Prompt) (string, []anthropicMessage) {
	if !prompt.IsMessages() {
		return "", []anthropicMessage{{Role: "user", Content: prompt.Text}}
	}
	var system string
	var out []anthropicMessage
	for _, m := range prompt.Messages {
		if m.Role == types.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		role := string(m.Role)
		if m.Role == types.RoleTool {
			role = "user"
		}
		out = append(out, anthropicMessage{Role: role, Content: m.Content})
	}
	return system, out
}

func promptText(messages []anthropicMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func readAnthropicErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp anthropicErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
	}
	return string(data)
}

func mapAnthropicError(status int, msg string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return &types.Error{Code: types.ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: "anthropic"}
	case http.StatusForbidden:
		return &types.Error{Code: types.ErrForbidden, Message: msg, HTTPStatus: status, Provider: "anthropic"}
	case http.StatusTooManyRequests:
		return &types.Error{Code: types.ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: "anthropic"}
	case http.StatusBadRequest:
		if strings.Contains(msg, "credit") || strings.Contains(msg, "quota") {
			return &types.Error{Code: types.ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: "anthropic"}
		}
		return &types.Error{Code: types.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: "anthropic"}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &types.Error{Code: types.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: "anthropic"}
	case 529: // Claude-specific overloaded status
		return &types.Error{Code: types.ErrModelOverloaded, Message: msg, HTTPStatus: status, Retryable: true, Provider: "anthropic"}
	default:
		return &types.Error{Code: types.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: "anthropic"}
	}
}
