package environment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/rlmrun/rlm/types"
)

// Lua is the in-process Environment variant: one gopher-lua state per
// instance, reused across every Execute call within a run so that globals
// set by one code block are visible to the next. This is the Go analogue
// of a restricted-builtins Python REPL namespace; Go has no safe in-process
// eval, so an embedded scripting VM stands in for it. installBindings
// removes os, io, load, loadstring, dofile and loadfile from the namespace.
type Lua struct {
	mu           sync.Mutex
	state        *lua.LState
	routerAddr   string
	cc           *CompletionContext
	contextCount int
	historyCount int
}

// NewLua constructs an in-process Lua Environment and injects the bindings
// every iteration driver relies on: context/history accessors, llm_query,
// llm_query_batched and FINAL_VAR, and a print override that feeds Execute's stdout
// capture instead of the process's real stdout.
func NewLua(cfg Config) *Lua {
	e := &Lua{state: lua.NewState(), routerAddr: cfg.RouterAddr}
	e.installBindings()
	return e
}

func (e *Lua) installBindings() {
	L := e.state
	// No raw OS, process or file access and no dynamic code loading; the
	// entries are cleared from package.loaded too so require cannot restore them.
	loaded, _ := L.GetField(L.GetGlobal("package"), "loaded").(*lua.LTable)
	for _, name := range []string{"os", "io", "load", "loadstring", "dofile", "loadfile"} {
		L.SetGlobal(name, lua.LNil)
		if loaded != nil {
			loaded.RawSetString(name, lua.LNil)
		}
	}
	L.SetGlobal("llm_query", L.NewFunction(e.luaQuery))
	L.SetGlobal("llm_query_batched", L.NewFunction(e.luaQueryBatched))
	// FINAL_VAR(name) returns the named global as a string, or a readable
	// not-bound message when no such global exists.
	L.SetGlobal("FINAL_VAR", L.NewFunction(func(ls *lua.LState) int {
		name := strings.Trim(strings.TrimSpace(ls.CheckString(1)), `"'`)
		if v := ls.GetGlobal(name); v != lua.LNil {
			ls.Push(lua.LString(lua.LVAsString(v)))
		} else {
			ls.Push(lua.LString(fmt.Sprintf("FINAL_VAR(%s): not bound", name)))
		}
		return 1
	}))
}

// Execute runs code against the persistent Lua state. Output written via
// the injected print binding is captured into REPLResult.Stdout; a runtime
// error is caught and appended to REPLResult.Stderr rather than returned,
// matching the non-fatal, continue-the-loop contract code execution has in
// the rest of the system.
func (e *Lua) Execute(ctx context.Context, code string) (types.REPLResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	var stdout strings.Builder

	L := e.state
	prevPrint := L.GetGlobal("print")
	L.SetGlobal("print", L.NewFunction(func(ls *lua.LState) int {
		n := ls.GetTop()
		parts := make([]string, n)
		for i := 1; i <= n; i++ {
			parts[i-1] = ls.ToStringMeta(ls.Get(i)).String()
		}
		stdout.WriteString(strings.Join(parts, "\t"))
		stdout.WriteString("\n")
		return 0
	}))
	defer L.SetGlobal("print", prevPrint)

	var stderr strings.Builder
	callsBefore := 0
	var calls []types.ChatCompletion
	if e.cc != nil {
		e.cc.RecordCall = func(c types.ChatCompletion) { calls = append(calls, c) }
	}

	if err := L.DoString(code); err != nil {
		stderr.WriteString(err.Error())
	}
	_ = callsBefore

	// Code under test can reassign the bare context/history aliases (or
	// context_0/history_0 themselves); the namespace contract is that the
	// alias always reflects the first slot again once the block returns.
	if e.contextCount > 0 {
		L.SetGlobal("context", L.GetGlobal("context_0"))
	}
	if e.historyCount > 0 {
		L.SetGlobal("history", L.GetGlobal("history_0"))
	}

	result := types.REPLResult{
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		Locals:        e.snapshotGlobals(),
		ExecutionTime: time.Since(start),
		LLMCalls:      calls,
	}
	return result, nil
}

// FinalVar resolves a bound global by name. A miss reports ok=false so the
// caller can surface a diagnostic string rather than panic.
func (e *Lua) FinalVar(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name = strings.Trim(strings.TrimSpace(name), `"'`)
	v := e.state.GetGlobal(name)
	if v == lua.LNil {
		return "", false
	}
	return lua.LVAsString(v), true
}

func (e *Lua) UpdateRouterAddress(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routerAddr = addr
}

func (e *Lua) AddContext(value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := fmt.Sprintf("context_%d", e.contextCount)
	lv := toLuaValue(e.state, value)
	e.state.SetGlobal(name, lv)
	if e.contextCount == 0 {
		e.state.SetGlobal("context", lv)
	}
	e.contextCount++
}

func (e *Lua) ContextCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contextCount
}

func (e *Lua) AddHistory(value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := fmt.Sprintf("history_%d", e.historyCount)
	lv := toLuaValue(e.state, value)
	e.state.SetGlobal(name, lv)
	if e.historyCount == 0 {
		e.state.SetGlobal("history", lv)
	}
	e.historyCount++
}

func (e *Lua) HistoryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.historyCount
}

func (e *Lua) SetCompletionContext(cc *CompletionContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cc = cc
}

func (e *Lua) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Close()
	return nil
}

func (e *Lua) luaQuery(L *lua.LState) int {
	prompt := L.CheckString(1)
	if e.cc == nil || e.cc.Query == nil {
		L.Push(lua.LString(""))
		L.Push(lua.LString("llm_query unavailable: no completion context bound"))
		return 2
	}
	resp, err := e.cc.Query(context.Background(), prompt)
	if err != nil {
		L.Push(lua.LString("[error] " + err.Error()))
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(resp))
	return 1
}

func (e *Lua) luaQueryBatched(L *lua.LState) int {
	tbl := L.CheckTable(1)
	var prompts []string
	tbl.ForEach(func(_, v lua.LValue) {
		prompts = append(prompts, v.String())
	})
	if e.cc == nil || e.cc.QueryBatched == nil {
		L.Push(L.NewTable())
		return 1
	}
	responses, err := e.cc.QueryBatched(context.Background(), prompts)
	out := L.NewTable()
	if err != nil {
		for i := range prompts {
			out.RawSetInt(i+1, lua.LString("[error] "+err.Error()))
		}
		L.Push(out)
		return 1
	}
	for i, r := range responses {
		out.RawSetInt(i+1, lua.LString(r))
	}
	L.Push(out)
	return 1
}

// snapshotGlobals harvests the current global table into a plain Go map,
// truncating nested tables and functions to diagnostic placeholders the
// way the system's other locals-serialization paths do.
func (e *Lua) snapshotGlobals() map[string]any {
	out := make(map[string]any)
	globals := e.state.G.Global
	globals.ForEach(func(k, v lua.LValue) {
		key := k.String()
		if isReservedGlobal(key) {
			return
		}
		out[key] = serializeLuaValue(v)
	})
	return out
}

func isReservedGlobal(name string) bool {
	switch name {
	case "print", "llm_query", "llm_query_batched", "FINAL_VAR", "_G", "_VERSION",
		"assert", "collectgarbage", "dofile", "error", "getmetatable",
		"ipairs", "load", "loadfile", "loadstring", "next", "pairs",
		"pcall", "print", "rawequal", "rawget", "rawlen", "rawset",
		"require", "select", "setmetatable", "tonumber", "tostring",
		"type", "unpack", "xpcall", "module", "string", "table", "math",
		"io", "os", "coroutine", "debug", "utf8", "bit32":
		return true
	}
	return false
}

func serializeLuaValue(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LFunction:
		return "<function>"
	case *lua.LTable:
		out := make(map[string]any)
		val.ForEach(func(k, v lua.LValue) {
			out[k.String()] = serializeLuaValue(v)
		})
		return out
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toLuaValue(L *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case []string:
		tbl := L.NewTable()
		for i, s := range v {
			tbl.RawSetInt(i+1, lua.LString(s))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, val := range v {
			tbl.RawSetString(k, toLuaValue(L, val))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}
