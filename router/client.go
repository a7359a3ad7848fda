package router

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rlmrun/rlm/types"
)

// Client is a long-lived connection to a Router, used by code running
// inside an Environment to make sub-LM calls (llm_query, llm_query_batched)
// without embedding provider credentials in the sandbox. One Client
// serializes its requests over a single TCP connection, mirroring the
// one-request-then-response framing serveConn expects.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	// Depth is stamped onto every Request this client sends, so the
	// Router's depth-based routing algorithm sees the caller's true depth.
	Depth int
	// Model, when non-empty, names a specific registered route instead of
	// relying on depth-based selection.
	Model string
}

// Dial connects to a Router listening at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial router at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// QueryResult is one completed sub-LM call: the text the Router's selected
// Backend produced, the name of that Backend (for per-model usage
// bookkeeping), and the usage it reported.
type QueryResult struct {
	Response string
	Model    string
	Usage    types.ModelUsageSummary
}

// Complete sends a single-prompt request and returns the Router's result.
func (c *Client) Complete(ctx context.Context, prompt string) (QueryResult, error) {
	resp, err := c.roundTrip(ctx, Request{Prompt: prompt, Model: c.Model, Depth: c.Depth})
	if err != nil {
		return QueryResult{}, err
	}
	if !resp.Success {
		return QueryResult{}, fmt.Errorf("router: %s", resp.Error)
	}
	return QueryResult{
		Response: resp.ChatCompletion.Response,
		Model:    resp.ChatCompletion.Model,
		Usage:    fromWireUsage(resp.ChatCompletion),
	}, nil
}

// CompleteBatched sends a batched request and returns one result per
// prompt, in input order. The Router still runs every prompt when one
// fails, but any failed prompt makes CompleteBatched return no results and
// an error naming the first failed index.
func (c *Client) CompleteBatched(ctx context.Context, prompts []string) ([]QueryResult, error) {
	resp, err := c.roundTrip(ctx, Request{Prompts: prompts, Model: c.Model, Depth: c.Depth})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("router: %s", resp.Error)
	}
	out := make([]QueryResult, len(prompts))
	for i, cc := range resp.ChatCompletions {
		if cc == nil {
			return nil, fmt.Errorf("router: batch item %d: %s", i, resp.Errors[i])
		}
		out[i] = QueryResult{Response: cc.Response, Model: cc.Model, Usage: fromWireUsage(cc)}
	}
	return out, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	var resp Response
	if err := writeMessage(c.conn, req); err != nil {
		return Response{}, fmt.Errorf("send router request: %w", err)
	}
	if err := readMessage(c.conn, &resp); err != nil {
		return Response{}, fmt.Errorf("read router response: %w", err)
	}
	return resp, nil
}

func fromWireUsage(w *ChatCompletionWire) types.ModelUsageSummary {
	return types.ModelUsageSummary{
		Calls:        w.Usage.Calls,
		InputTokens:  w.Usage.InputTokens,
		OutputTokens: w.Usage.OutputTokens,
	}
}
