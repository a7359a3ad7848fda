package environment

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rlmrun/rlm/types"
)

// subprocessRequest/subprocessResponse are the JSON payloads exchanged with
// the child helper process over stdin/stdout, one call per process.
type subprocessRequest struct {
	Code    string         `json:"code"`
	Context map[string]any `json:"context"`
}

type subprocessResponse struct {
	Stdout string         `json:"stdout"`
	Stderr string         `json:"stderr"`
	Locals map[string]any `json:"locals"`
}

// Subprocess is the "subprocess per call" Environment variant: every
// Execute spawns a fresh child process with its own interpreter, isolated
// by a dedicated process group so a runaway child can be reaped as a unit.
// Namespace persistence across calls is kept in memory: the locals each
// child reports are merged into the snapshot that is sent as the next
// child's starting context. After each successful call the snapshot is also
// gob-encoded to a per-instance state file, which is not read back.
type Subprocess struct {
	mu         sync.Mutex
	workDir    string
	statePath  string
	helperPath string
	routerAddr string
	timeout    time.Duration
	locals     map[string]any
	cc         *CompletionContext
	contextN   int
	historyN   int
}

// SubprocessConfig configures the per-call child process.
type SubprocessConfig struct {
	Config
	// HelperPath is the executable invoked for each call; it must read a
	// subprocessRequest as JSON on stdin and write a subprocessResponse as
	// JSON on stdout. Defaults to "rlm-repl-helper" on PATH.
	HelperPath string
}

// NewSubprocess creates a Subprocess Environment rooted at a fresh
// per-instance temp workspace, mirroring the per-instance uuid-named
// workspace directory pattern used for persistent local environments.
func NewSubprocess(cfg SubprocessConfig) (*Subprocess, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "rlm-env-"+uuid.NewString())
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create environment workdir: %w", err)
	}
	helper := cfg.HelperPath
	if helper == "" {
		helper = "rlm-repl-helper"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Subprocess{
		workDir:    workDir,
		statePath:  filepath.Join(workDir, "state.gob"),
		helperPath: helper,
		routerAddr: cfg.RouterAddr,
		timeout:    timeout,
		locals:     make(map[string]any),
	}, nil
}

// Execute spawns one child process, pipes it the code plus the current
// locals snapshot, waits (bounded by the environment's timeout) and
// re-harvests the child's reported locals into the persistent namespace.
func (e *Subprocess) Execute(ctx context.Context, code string) (types.REPLResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	reqBody, err := json.Marshal(subprocessRequest{Code: code, Context: e.locals})
	if err != nil {
		return types.REPLResult{}, fmt.Errorf("marshal subprocess request: %w", err)
	}

	cmd := exec.CommandContext(execCtx, e.helperPath)
	cmd.Dir = e.workDir
	cmd.Env = append(os.Environ(), "RLM_ROUTER_ADDR="+e.routerAddr)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = bytes.NewReader(reqBody)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return types.REPLResult{
			Stdout:        stdout.String(),
			Stderr:        "execution timed out after " + e.timeout.String(),
			ExecutionTime: elapsed,
		}, nil
	}

	var resp subprocessResponse
	if runErr == nil {
		if decErr := json.Unmarshal(stdout.Bytes(), &resp); decErr == nil {
			for k, v := range resp.Locals {
				e.locals[k] = v
			}
			if saveErr := e.saveState(); saveErr != nil {
				resp.Stderr += "\nstate persistence failed: " + saveErr.Error()
			}
			return types.REPLResult{
				Stdout:        resp.Stdout,
				Stderr:        resp.Stderr,
				Locals:        copyLocals(e.locals),
				ExecutionTime: elapsed,
			}, nil
		}
	}

	// Helper crashed or produced unparsable output: surface stderr/exit
	// status as the block's stderr rather than failing the iteration.
	msg := stderr.String()
	if runErr != nil {
		if msg != "" {
			msg += "\n"
		}
		msg += runErr.Error()
	}
	return types.REPLResult{Stdout: stdout.String(), Stderr: msg, ExecutionTime: elapsed}, nil
}

func (e *Subprocess) FinalVar(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.locals[name]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

func (e *Subprocess) UpdateRouterAddress(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routerAddr = addr
}

func (e *Subprocess) AddContext(value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locals[fmt.Sprintf("context_%d", e.contextN)] = value
	if e.contextN == 0 {
		e.locals["context"] = value
	}
	e.contextN++
}

func (e *Subprocess) ContextCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contextN
}

func (e *Subprocess) AddHistory(value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locals[fmt.Sprintf("history_%d", e.historyN)] = value
	if e.historyN == 0 {
		e.locals["history"] = value
	}
	e.historyN++
}

func (e *Subprocess) HistoryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.historyN
}

func (e *Subprocess) SetCompletionContext(cc *CompletionContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cc = cc
}

// Cleanup removes the per-instance workspace directory and any state file
// it holds.
func (e *Subprocess) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return os.RemoveAll(e.workDir)
}

// saveState gob-encodes the locals snapshot to the state file, gob being the
// binary-safe serializer standing in for a pickle-style one.
func (e *Subprocess) saveState() error {
	f, err := os.Create(e.statePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(e.locals)
}

func copyLocals(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
