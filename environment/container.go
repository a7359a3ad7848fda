package environment

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rlmrun/rlm/types"
)

// ContainerConfig configures the container-per-RLM-run Environment.
type ContainerConfig struct {
	Config
	Image      string
	DockerPath string
}

// Container is the "container per RLM run" Environment variant: one
// long-lived container backs every Execute call for a single completion,
// giving the run filesystem and process isolation stronger than the
// subprocess variant. Each Execute starts a new python3 process in that
// container, so interpreter variables do not carry over from one call to
// the next; only files written under the mounted /workspace directory do.
// Locals holds only the values bound through AddContext and AddHistory.
type Container struct {
	mu          sync.Mutex
	cfg         ContainerConfig
	containerID string
	hostWorkDir string
	routerAddr  string
	locals      map[string]any
	contextN    int
	historyN    int
}

// NewContainer starts a detached container mounting a fresh host workspace
// directory, matching the teacher's Docker execution-backend shape
// (image-per-language lookup, explicit lifecycle) generalized to one
// long-lived container per run instead of one container per call.
func NewContainer(ctx context.Context, cfg ContainerConfig) (*Container, error) {
	if cfg.Image == "" {
		cfg.Image = "python:3.12-slim"
	}
	if cfg.DockerPath == "" {
		cfg.DockerPath = "docker"
	}
	hostDir := cfg.WorkDir
	if hostDir == "" {
		hostDir = filepath.Join(os.TempDir(), "rlm-container-"+uuid.NewString())
	}
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("create container workdir: %w", err)
	}

	cmd := exec.CommandContext(ctx, cfg.DockerPath, "run", "-d",
		"--network", "none",
		"-v", hostDir+":/workspace",
		"-w", "/workspace",
		cfg.Image, "sleep", "infinity")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	return &Container{
		cfg:         cfg,
		containerID: trimID(out),
		hostWorkDir: hostDir,
		routerAddr:  cfg.RouterAddr,
		locals:      make(map[string]any),
	}, nil
}

func trimID(out []byte) string {
	s := string(out)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Execute runs code inside the container via `docker exec`, writing the
// code to the mounted workspace so the in-container interpreter can load
// it without shell-escaping concerns.
func (e *Container) Execute(ctx context.Context, code string) (types.REPLResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	scriptPath := filepath.Join(e.hostWorkDir, "block.py")
	if err := os.WriteFile(scriptPath, []byte(code), 0o644); err != nil {
		return types.REPLResult{}, fmt.Errorf("write code block: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.cfg.DockerPath, "exec",
		"-e", "RLM_ROUTER_ADDR="+e.routerAddr,
		e.containerID, "python3", "/workspace/block.py")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	_ = cmd.Run() // non-zero exit surfaces as stderr content, not an error

	return types.REPLResult{
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		Locals:        copyLocals(e.locals),
		ExecutionTime: time.Since(start),
	}, nil
}

func (e *Container) FinalVar(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.locals[name]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

func (e *Container) UpdateRouterAddress(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routerAddr = addr
}

func (e *Container) AddContext(value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locals[fmt.Sprintf("context_%d", e.contextN)] = value
	if e.contextN == 0 {
		e.locals["context"] = value
	}
	e.contextN++
}

func (e *Container) ContextCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contextN
}

func (e *Container) AddHistory(value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locals[fmt.Sprintf("history_%d", e.historyN)] = value
	if e.historyN == 0 {
		e.locals["history"] = value
	}
	e.historyN++
}

func (e *Container) HistoryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.historyN
}

func (e *Container) SetCompletionContext(*CompletionContext) {
	// code running in-container reaches the router over the network
	// directly (RLM_ROUTER_ADDR), not through an in-process callback.
}

// Cleanup stops and removes the backing container and its host workspace.
func (e *Container) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = exec.Command(e.cfg.DockerPath, "rm", "-f", e.containerID).Run()
	return os.RemoveAll(e.hostWorkDir)
}
