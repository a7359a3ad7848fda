package environment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rlmrun/rlm/types"
)

// RemoteConfig configures the remote-sandbox Environment variant: code
// execution is delegated to an HTTP sandbox service reachable at BaseURL,
// authenticated with a short-lived HS256 bearer token signed per request.
type RemoteConfig struct {
	Config
	BaseURL     string
	SessionID   string
	JWTSecret   string
	TokenIssuer string
}

// Remote is the Environment variant backed by an out-of-process sandbox
// service. Namespace persistence across calls is the remote service's
// responsibility, keyed by SessionID; this type is a thin authenticated
// RPC client over it.
type Remote struct {
	mu         sync.Mutex
	cfg        RemoteConfig
	client     *http.Client
	routerAddr string
	contextN   int
	historyN   int
}

// NewRemote creates a client for a remote sandbox service.
func NewRemote(cfg RemoteConfig) *Remote {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Remote{
		cfg:        cfg,
		client:     &http.Client{Timeout: timeout},
		routerAddr: cfg.RouterAddr,
	}
}

type remoteExecuteRequest struct {
	SessionID  string `json:"session_id"`
	Code       string `json:"code"`
	RouterAddr string `json:"router_addr"`
}

type remoteExecuteResponse struct {
	Stdout string         `json:"stdout"`
	Stderr string         `json:"stderr"`
	Locals map[string]any `json:"locals"`
}

// Execute POSTs the code block to the remote service's /execute endpoint
// under the session's namespace and returns its reported observable
// effects.
func (e *Remote) Execute(ctx context.Context, code string) (types.REPLResult, error) {
	e.mu.Lock()
	sessionID, routerAddr := e.cfg.SessionID, e.routerAddr
	e.mu.Unlock()

	start := time.Now()
	body, err := json.Marshal(remoteExecuteRequest{SessionID: sessionID, Code: code, RouterAddr: routerAddr})
	if err != nil {
		return types.REPLResult{}, fmt.Errorf("marshal remote execute request: %w", err)
	}

	token, err := e.signToken()
	if err != nil {
		return types.REPLResult{}, fmt.Errorf("sign remote sandbox token: %w", err)
	}

	endpoint := strings.TrimRight(e.cfg.BaseURL, "/") + "/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return types.REPLResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return types.REPLResult{}, &types.Error{
			Code: types.ErrRLMEnvironmentFatal, Message: err.Error(), Provider: "remote-sandbox",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return types.REPLResult{}, &types.Error{
			Code: types.ErrRLMEnvironmentFatal, Message: string(data),
			HTTPStatus: resp.StatusCode, Provider: "remote-sandbox",
		}
	}

	var out remoteExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.REPLResult{}, fmt.Errorf("decode remote execute response: %w", err)
	}

	return types.REPLResult{
		Stdout:        out.Stdout,
		Stderr:        out.Stderr,
		Locals:        out.Locals,
		ExecutionTime: time.Since(start),
	}, nil
}

func (e *Remote) signToken() (string, error) {
	claims := jwt.MapClaims{
		"session_id": e.cfg.SessionID,
		"iat":        time.Now().Unix(),
		"exp":        time.Now().Add(time.Minute).Unix(),
	}
	if e.cfg.TokenIssuer != "" {
		claims["iss"] = e.cfg.TokenIssuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(e.cfg.JWTSecret))
}

// FinalVar asks the remote service to resolve a binding in the session's
// namespace directly, since locals live out-of-process here.
func (e *Remote) FinalVar(name string) (string, bool) {
	e.mu.Lock()
	sessionID := e.cfg.SessionID
	e.mu.Unlock()

	endpoint := fmt.Sprintf("%s/sessions/%s/vars/%s", strings.TrimRight(e.cfg.BaseURL, "/"), sessionID, name)
	token, err := e.signToken()
	if err != nil {
		return "", false
	}
	httpReq, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	data, _ := io.ReadAll(resp.Body)
	return string(data), true
}

func (e *Remote) UpdateRouterAddress(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routerAddr = addr
}

func (e *Remote) AddContext(value any) {
	e.mu.Lock()
	e.contextN++
	e.mu.Unlock()
	_ = e.pushBinding(fmt.Sprintf("context_%d", e.contextN-1), value, e.contextN == 1)
}

func (e *Remote) ContextCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contextN
}

func (e *Remote) AddHistory(value any) {
	e.mu.Lock()
	e.historyN++
	e.mu.Unlock()
	_ = e.pushBinding(fmt.Sprintf("history_%d", e.historyN-1), value, e.historyN == 1)
}

func (e *Remote) HistoryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.historyN
}

func (e *Remote) SetCompletionContext(*CompletionContext) {
	// code in the remote sandbox reaches the router directly over the
	// network; there is no in-process callback to wire here.
}

// pushBinding asks the remote service to bind name (and, when aliasFirst,
// the bare "context"/"history" alias) in the session's namespace.
func (e *Remote) pushBinding(name string, value any, aliasFirst bool) error {
	type bindRequest struct {
		SessionID  string `json:"session_id"`
		Name       string `json:"name"`
		Value      any    `json:"value"`
		AliasFirst bool   `json:"alias_first"`
	}
	body, err := json.Marshal(bindRequest{SessionID: e.cfg.SessionID, Name: name, Value: value, AliasFirst: aliasFirst})
	if err != nil {
		return err
	}
	token, err := e.signToken()
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(e.cfg.BaseURL, "/") + "/bind"
	httpReq, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Cleanup tells the remote service to discard the session's namespace.
func (e *Remote) Cleanup() error {
	endpoint := fmt.Sprintf("%s/sessions/%s", strings.TrimRight(e.cfg.BaseURL, "/"), e.cfg.SessionID)
	token, err := e.signToken()
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequest(http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
