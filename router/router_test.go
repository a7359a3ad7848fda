package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rlmrun/rlm/backend"
	"github.com/rlmrun/rlm/types"
)

type namedBackend struct {
	name     string
	response string
	err      error
}

func (n *namedBackend) Name() string { return n.name }
func (n *namedBackend) Complete(ctx context.Context, p backend.Prompt) (string, types.ModelUsageSummary, error) {
	if n.err != nil {
		return "", types.ModelUsageSummary{}, n.err
	}
	return n.response, types.ModelUsageSummary{Calls: 1}, nil
}
func (n *namedBackend) LastUsage() types.ModelUsageSummary { return types.ModelUsageSummary{} }
func (n *namedBackend) UsageSummary() types.UsageSummary   { return types.UsageSummary{} }

func TestRouter_SelectBackend_NamedModelWins(t *testing.T) {
	def := &namedBackend{name: "default"}
	named := &namedBackend{name: "named"}
	r := New(def, zap.NewNop())
	r.RegisterByModel("gpt-x", named)

	assert.Same(t, backend.Backend(named), r.selectBackend("gpt-x", 0))
}

func TestRouter_SelectBackend_DepthRouteWins(t *testing.T) {
	def := &namedBackend{name: "default"}
	depth1 := &namedBackend{name: "depth1"}
	r := New(def, zap.NewNop())
	r.RegisterByDepth(1, depth1)

	assert.Same(t, backend.Backend(depth1), r.selectBackend("", 1))
}

func TestRouter_SelectBackend_DepthOneFallsBackToOther(t *testing.T) {
	def := &namedBackend{name: "default"}
	other := &namedBackend{name: "other"}
	r := New(def, zap.NewNop())
	r.RegisterOtherBackend(other)

	assert.Same(t, backend.Backend(other), r.selectBackend("", 1))
}

func TestRouter_SelectBackend_DefaultFallback(t *testing.T) {
	def := &namedBackend{name: "default"}
	r := New(def, zap.NewNop())

	assert.Same(t, backend.Backend(def), r.selectBackend("", 5))
}

func TestRouter_Handle_SingleRequest(t *testing.T) {
	def := &namedBackend{name: "default", response: "hi there"}
	r := New(def, zap.NewNop())

	resp := r.Handle(context.Background(), Request{Prompt: "hello"})
	require.True(t, resp.Success)
	require.NotNil(t, resp.ChatCompletion)
	assert.Equal(t, "hi there", resp.ChatCompletion.Response)
}

func TestRouter_Handle_SingleRequestError(t *testing.T) {
	def := &namedBackend{name: "default", err: assert.AnError}
	r := New(def, zap.NewNop())

	resp := r.Handle(context.Background(), Request{Prompt: "hello"})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

// alternatingBackend fails for a configured set of prompt values and
// succeeds otherwise, letting tests observe partial-failure ordering in a
// batch without depending on goroutine scheduling order.
type alternatingBackend struct {
	name    string
	failOn  map[string]bool
}

func (a *alternatingBackend) Name() string { return a.name }
func (a *alternatingBackend) Complete(ctx context.Context, p backend.Prompt) (string, types.ModelUsageSummary, error) {
	if a.failOn[p.Text] {
		return "", types.ModelUsageSummary{}, assert.AnError
	}
	return "ok-" + p.Text, types.ModelUsageSummary{Calls: 1}, nil
}
func (a *alternatingBackend) LastUsage() types.ModelUsageSummary { return types.ModelUsageSummary{} }
func (a *alternatingBackend) UsageSummary() types.UsageSummary   { return types.UsageSummary{} }

func TestRouter_Handle_BatchedPreservesOrderWithPartialFailure(t *testing.T) {
	def := &alternatingBackend{name: "default", failOn: map[string]bool{"b": true}}
	r := New(def, zap.NewNop())

	resp := r.Handle(context.Background(), Request{Prompts: []string{"a", "b", "c"}})
	require.True(t, resp.Success)
	require.Len(t, resp.ChatCompletions, 3)
	require.Len(t, resp.Errors, 3)

	require.NotNil(t, resp.ChatCompletions[0])
	assert.Equal(t, "ok-a", resp.ChatCompletions[0].Response)
	assert.Nil(t, resp.ChatCompletions[1])
	assert.NotEmpty(t, resp.Errors[1])
	require.NotNil(t, resp.ChatCompletions[2])
	assert.Equal(t, "ok-c", resp.ChatCompletions[2].Response)
}

func TestRouter_DepthCallCounts_TracksHandledRequests(t *testing.T) {
	def := &namedBackend{name: "default", response: "ok"}
	r := New(def, zap.NewNop())

	r.Handle(context.Background(), Request{Prompt: "hello", Depth: 2})
	counts := r.DepthCallCounts()
	assert.Equal(t, 1, counts[2])
}

func TestRouter_SetTimeout_AppliesToSubsequentRequests(t *testing.T) {
	def := &namedBackend{name: "default", response: "ok"}
	r := New(def, zap.NewNop())

	r.SetTimeout(5 * time.Second)
	assert.Equal(t, int64(5*time.Second), r.timeoutNs.Load())

	// A non-positive duration is ignored rather than disabling the timeout.
	r.SetTimeout(0)
	assert.Equal(t, int64(5*time.Second), r.timeoutNs.Load())
}

func TestRouter_Serve_RoundTripsOverTCP(t *testing.T) {
	def := &namedBackend{name: "default", response: "served"}
	r := New(def, zap.NewNop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, writeMessage(conn, Request{Prompt: "hi"}))
	var resp Response
	require.NoError(t, readMessage(conn, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "served", resp.ChatCompletion.Response)

	cancel()
	<-done
}
