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

// OpenAICompatConfig configures an OpenAI-compatible HTTP proxy Backend: any
// provider exposing the /v1/chat/completions shape behind a configurable
// base URL (a self-hosted router, a local inference server, a compatible
// third-party API).
type OpenAICompatConfig struct {
	ProviderName string
	APIKey       string
	BaseURL      string
	Model        string
	EndpointPath string
	Timeout      time.Duration
}

// OpenAICompat is the Backend variant constructed with a base URL, grounded
// on the shared chat-completions wire shape most hosted and self-hosted LM
// servers expose.
type OpenAICompat struct {
	usageTracker
	cfg    OpenAICompatConfig
	client *http.Client
}

// NewOpenAICompat creates a Backend targeting an OpenAI-compatible endpoint.
func NewOpenAICompat(cfg OpenAICompatConfig, logger *zap.Logger) *OpenAICompat {
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai-compat"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &OpenAICompat{
		usageTracker: usageTracker{modelName: cfg.Model},
		cfg:          cfg,
		client:       &http.Client{Timeout: timeout},
	}
}

func (o *OpenAICompat) Name() string { return o.cfg.ProviderName + ":" + o.cfg.Model }

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
}

type oaiChoice struct {
	Message oaiMessage `json:"message"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   *oaiUsage   `json:"usage"`
}

type oaiErrorResp struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAICompat) Complete(ctx context.Context, prompt Prompt) (string, types.ModelUsageSummary, error) {
	messages := buildOAIMessages(prompt)

	payload, err := json.Marshal(oaiRequest{Model: o.cfg.Model, Messages: messages})
	if err != nil {
		return "", types.ModelUsageSummary{}, &types.Error{Code: types.ErrInvalidRequest, Message: err.Error(), Provider: o.cfg.ProviderName}
	}

	endpoint := strings.TrimRight(o.cfg.BaseURL, "/") + o.cfg.EndpointPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", types.ModelUsageSummary{}, &types.Error{Code: types.ErrInternalError, Message: err.Error(), Provider: o.cfg.ProviderName}
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", types.ModelUsageSummary{}, &types.Error{Code: types.ErrUpstreamTimeout, Message: err.Error(), Retryable: true, Provider: o.cfg.ProviderName}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readOAIErrMsg(resp.Body)
		return "", types.ModelUsageSummary{}, mapOAIError(resp.StatusCode, msg, o.cfg.ProviderName)
	}

	var out oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.ModelUsageSummary{}, &types.Error{Code: types.ErrUpstreamError, Message: err.Error(), Provider: o.cfg.ProviderName}
	}

	var text string
	if len(out.Choices) > 0 {
		text = out.Choices[0].Message.Content
	}

	var usage types.ModelUsageSummary
	if out.Usage != nil {
		usage = types.ModelUsageSummary{Calls: 1, InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens}
	} else {
		usage = tokenizer.EstimateUsage(o.cfg.Model, oaiPromptText(messages), text)
	}
	o.record(usage)
	return text, usage, nil
}

func buildOAIMessages(prompt Prompt) []oaiMessage {
	if !prompt.IsMessages() {
		return []oaiMessage{{Role: "user", Content: prompt.Text}}
	}
	out := make([]oaiMessage, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		role := string(m.Role)
		out = append(out, oaiMessage{Role: role, Content: m.Content})
	}
	return out
}

func oaiPromptText(messages []oaiMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func readOAIErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp oaiErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
	}
	return string(data)
}

func mapOAIError(status int, msg, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return &types.Error{Code: types.ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusForbidden:
		return &types.Error{Code: types.ErrForbidden, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &types.Error{Code: types.ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusBadRequest:
		if strings.Contains(msg, "credit") || strings.Contains(msg, "quota") || strings.Contains(msg, "billing") {
			return &types.Error{Code: types.ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &types.Error{Code: types.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &types.Error{Code: types.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &types.Error{Code: types.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}
