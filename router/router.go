package router

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rlmrun/rlm/backend"
	"github.com/rlmrun/rlm/types"
)

// DefaultRequestTimeout bounds how long the router waits on the selected
// Backend for a single request.
const DefaultRequestTimeout = 300 * time.Second

// Router is a concurrent multi-client server implementing the depth-based
// routing algorithm: a named-model match wins, then a depth-registered
// Backend, then (for depth==1 only) a configured "other backend", and
// finally the default Backend. Each accepted connection is served on its
// own goroutine, the Go analogue of a threaded server with daemon worker
// threads.
type Router struct {
	logger *zap.Logger
	// timeoutNs holds DefaultRequestTimeout (or a hot-reloaded override) as
	// nanoseconds so Handle can read it without taking mu on every request.
	timeoutNs atomic.Int64

	mu            sync.RWMutex
	byModel       map[string]backend.Backend
	byDepth       map[int]backend.Backend
	defaultBackend backend.Backend
	otherBackend  backend.Backend
	depthCalls    map[int]int
}

// New constructs a Router. defaultBackend must be non-nil; it is the
// routing algorithm's final fallback.
func New(defaultBackend backend.Backend, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		logger:         logger,
		byModel:        make(map[string]backend.Backend),
		byDepth:        make(map[int]backend.Backend),
		defaultBackend: defaultBackend,
		depthCalls:     make(map[int]int),
	}
	r.timeoutNs.Store(int64(DefaultRequestTimeout))
	return r
}

// SetTimeout updates the per-request timeout live. Safe to call while the
// Router is serving traffic; it takes effect for requests accepted after
// the call, letting a config hot-reload adjust it without a restart.
func (r *Router) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.timeoutNs.Store(int64(d))
}

// RegisterByModel adds a named route: requests naming this model by name
// are sent directly to b, bypassing depth-based selection.
func (r *Router) RegisterByModel(name string, b backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[name] = b
}

// RegisterByDepth adds a depth-indexed route.
func (r *Router) RegisterByDepth(depth int, b backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDepth[depth] = b
}

// RegisterOtherBackend sets the Backend used as a depth==1 fallback when
// no depth-registered route exists for depth 1.
func (r *Router) RegisterOtherBackend(b backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.otherBackend = b
}

// selectBackend applies the four-step routing algorithm.
func (r *Router) selectBackend(model string, depth int) backend.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if model != "" {
		if b, ok := r.byModel[model]; ok {
			return b
		}
	}
	if b, ok := r.byDepth[depth]; ok {
		return b
	}
	if depth == 1 && r.otherBackend != nil {
		return r.otherBackend
	}
	return r.defaultBackend
}

func (r *Router) recordDepthCalls(depth, n int) {
	r.mu.Lock()
	r.depthCalls[depth] += n
	r.mu.Unlock()
	depthCallsTotal.WithLabelValues(strconv.Itoa(depth)).Add(float64(n))
}

// DepthCallCounts returns a snapshot of calls served per depth, folding in
// the depth accounting of the default Backend and depth-registered routes
// that implement the optional DepthCallCounter interface.
func (r *Router) DepthCallCounts() map[int]int {
	r.mu.RLock()
	out := make(map[int]int, len(r.depthCalls))
	for k, v := range r.depthCalls {
		out[k] = v
	}
	backends := make([]backend.Backend, 0, len(r.byDepth)+1)
	backends = append(backends, r.defaultBackend)
	for _, b := range r.byDepth {
		backends = append(backends, b)
	}
	r.mu.RUnlock()

	for _, b := range backends {
		if counter, ok := b.(backend.DepthCallCounter); ok {
			for depth, count := range counter.DepthCallCounts() {
				out[depth] += count
			}
		}
	}
	return out
}

// Handle serves one RPC request: single prompts are completed directly,
// batched prompts are fanned out concurrently via errgroup and awaited as
// a group, preserving input order in the result slice.
func (r *Router) Handle(ctx context.Context, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.timeoutNs.Load()))
	defer cancel()

	b := r.selectBackend(req.Model, req.Depth)

	if req.IsBatched() {
		return r.handleBatched(ctx, b, req)
	}
	return r.handleSingle(ctx, b, req)
}

func (r *Router) handleSingle(ctx context.Context, b backend.Backend, req Request) Response {
	r.recordDepthCalls(req.Depth, 1)
	resp, usage, err := b.Complete(ctx, backend.NewTextPrompt(req.Prompt))
	if err != nil {
		requestsTotal.WithLabelValues("error").Inc()
		return Response{Success: false, Error: err.Error()}
	}
	requestsTotal.WithLabelValues("ok").Inc()
	return Response{Success: true, ChatCompletion: toWireCompletion(b.Name(), resp, usage)}
}

func (r *Router) handleBatched(ctx context.Context, b backend.Backend, req Request) Response {
	r.recordDepthCalls(req.Depth, len(req.Prompts))

	results := make([]*ChatCompletionWire, len(req.Prompts))
	errs := make([]string, len(req.Prompts))

	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range req.Prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			resp, usage, err := b.Complete(gctx, backend.NewTextPrompt(prompt))
			if err != nil {
				errs[i] = err.Error()
				return nil // partial failures never abort sibling calls
			}
			results[i] = toWireCompletion(b.Name(), resp, usage)
			return nil
		})
	}
	_ = g.Wait() // member goroutines never return a non-nil error themselves

	anyError := false
	for _, e := range errs {
		if e != "" {
			anyError = true
			break
		}
	}
	if anyError {
		requestsTotal.WithLabelValues("partial_error").Inc()
	} else {
		requestsTotal.WithLabelValues("ok").Inc()
	}
	return Response{Success: true, ChatCompletions: results, Errors: errs}
}

func toWireCompletion(model, response string, usage types.ModelUsageSummary) *ChatCompletionWire {
	w := &ChatCompletionWire{Response: response, Model: model}
	w.Usage.Calls = usage.Calls
	w.Usage.InputTokens = usage.InputTokens
	w.Usage.OutputTokens = usage.OutputTokens
	return w
}

// Serve accepts connections on ln until ctx is canceled, handling each on
// its own goroutine.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept connection: %w", err)
		}
		go r.serveConn(ctx, conn)
	}
}

func (r *Router) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := readMessage(conn, &req); err != nil {
			return // orderly close or truncation; either way the connection is done
		}
		resp := r.Handle(ctx, req)
		if err := writeMessage(conn, resp); err != nil {
			r.logger.Warn("router: failed to write response", zap.Error(err))
			return
		}
	}
}
