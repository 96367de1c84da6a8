// Package lua provides a scripted actuator: a Lua script stands in for the
// remote service so plans can be rehearsed offline and failure handling can
// be exercised on demand.
package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/segloop/internal/actuator"
	"github.com/mpataki/segloop/internal/models"
)

// Outcomes a script's generate() may return.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeModerated   = "moderated"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
)

// Runtime executes a simulation script in a sandboxed Lua state. It
// implements actuator.Actuator, actuator.Fetcher and actuator.StrictModer.
//
// Every hook is optional:
//
//	generate(prompt, has_image, n) -> outcome, handle_or_message
//	image_ready() -> bool
//	branch(handle) -> bool
//	resolve_branch(auto) -> handle?
//	upscale(handle) -> handle
//	extract(handle) -> string
//	fetch(handle) -> string
//	regenerate()
type Runtime struct {
	mu     sync.Mutex
	L      *lua.LState
	logger *log.Logger
	ctx    context.Context

	prompt      string
	image       []byte
	submissions int
	lastHandle  models.ResultHandle
	strict      bool
	logs        []string
}

// NewRuntime loads script source into a fresh sandbox.
func NewRuntime(source string, logger *log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	r := &Runtime{logger: logger, ctx: context.Background()}

	// Create new Lua state
	r.L = lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})

	r.openSafeLibs(r.L)
	r.registerAPI(r.L)

	if err := r.L.DoString(source); err != nil {
		r.L.Close()
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	return r, nil
}

// NewRuntimeFromFile reads and loads a script file.
func NewRuntimeFromFile(path string, logger *log.Logger) (*Runtime, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return NewRuntime(string(script), logger)
}

func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.L.Close()
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Scripts are replayed as rehearsals; keep them deterministic
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("log", L.NewFunction(r.luaLog))
	L.SetGlobal("context", L.NewFunction(r.luaContext))
	L.SetGlobal("sleep", L.NewFunction(r.luaSleep))
}

// luaLog implements log(message)
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	r.logger.Printf("[LUA] %s", message)
	return 0
}

// luaContext implements context(): what the simulated page currently shows.
func (r *Runtime) luaContext(L *lua.LState) int {
	tbl := L.NewTable()
	L.SetField(tbl, "prompt", lua.LString(r.prompt))
	L.SetField(tbl, "has_image", lua.LBool(len(r.image) > 0))
	L.SetField(tbl, "image", lua.LString(string(r.image)))
	L.SetField(tbl, "submissions", lua.LNumber(r.submissions))
	L.SetField(tbl, "handle", lua.LString(string(r.lastHandle)))
	L.SetField(tbl, "strict", lua.LBool(r.strict))
	L.Push(tbl)
	return 1
}

// luaSleep implements sleep(seconds), cut short when the call is cancelled.
func (r *Runtime) luaSleep(L *lua.LState) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.ctx.Done():
		L.RaiseError("sleep interrupted: %v", r.ctx.Err())
	}
	return 0
}

// call invokes global fn if the script defines it. found is false otherwise.
func (r *Runtime) call(ctx context.Context, fn string, nret int, args ...lua.LValue) (rets []lua.LValue, found bool, err error) {
	f := r.L.GetGlobal(fn)
	if f.Type() != lua.LTFunction {
		return nil, false, nil
	}

	r.ctx = ctx
	r.L.SetContext(ctx)
	defer func() {
		r.L.RemoveContext()
		r.ctx = context.Background()
	}()

	if err := r.L.CallByParam(lua.P{Fn: f, NRet: nret, Protect: true}, args...); err != nil {
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		return nil, true, fmt.Errorf("script %s() failed: %w", fn, err)
	}

	rets = make([]lua.LValue, nret)
	for i := nret - 1; i >= 0; i-- {
		rets[i] = r.L.Get(-1)
		r.L.Pop(1)
	}
	return rets, true, nil
}

func (r *Runtime) SubmitImage(ctx context.Context, image []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.image = image
	return nil
}

func (r *Runtime) WaitImageReady(ctx context.Context, bound time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()
	rets, found, err := r.call(ctx, "image_ready", 1)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return actuator.Timeout("image upload did not finish")
		}
		return err
	}
	if found && !lua.LVAsBool(rets[0]) {
		return actuator.Timeout("image upload did not finish")
	}
	return nil
}

func (r *Runtime) SubmitText(ctx context.Context, prompt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompt = prompt
	r.submissions++
	return nil
}

func (r *Runtime) WaitForResult(ctx context.Context, timeout time.Duration) (models.ResultHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The input box is cleared by the submission.
	hasImage := len(r.image) > 0
	r.image = nil

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rets, found, err := r.call(waitCtx, "generate", 2,
		lua.LString(r.prompt), lua.LBool(hasImage), lua.LNumber(r.submissions))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return "", actuator.Timeout(fmt.Sprintf("no result within %s", timeout))
		}
		return "", err
	}

	handle := models.ResultHandle(fmt.Sprintf("lua-%d", r.submissions))
	if !found {
		r.lastHandle = handle
		return handle, nil
	}

	outcome := lua.LVAsString(rets[0])
	detail := ""
	if rets[1] != lua.LNil {
		detail = lua.LVAsString(rets[1])
	}

	switch outcome {
	case OutcomeOK, "":
		if detail != "" {
			handle = models.ResultHandle(detail)
		}
		r.lastHandle = handle
		return handle, nil
	case OutcomeRateLimited:
		return "", actuator.RateLimited(detail)
	case OutcomeModerated:
		return "", actuator.Moderated(detail)
	case OutcomeTimeout:
		return "", actuator.Timeout(detail)
	case OutcomeError:
		return "", actuator.Other(detail, nil)
	}
	return "", fmt.Errorf("script returned unknown outcome %q", outcome)
}

func (r *Runtime) DetectOptionalBranch(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rets, found, err := r.call(ctx, "branch", 1, lua.LString(string(r.lastHandle)))
	if err != nil || !found {
		return false, err
	}
	return lua.LVAsBool(rets[0]), nil
}

func (r *Runtime) ResolveOptionalBranch(ctx context.Context, auto bool) (models.ResultHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rets, found, err := r.call(ctx, "resolve_branch", 1, lua.LBool(auto))
	if err != nil || !found || rets[0] == lua.LNil {
		return "", err
	}
	handle := models.ResultHandle(lua.LVAsString(rets[0]))
	if handle != "" {
		r.lastHandle = handle
	}
	return handle, nil
}

func (r *Runtime) Upscale(ctx context.Context, handle models.ResultHandle) (models.ResultHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rets, found, err := r.call(ctx, "upscale", 1, lua.LString(string(handle)))
	if err != nil {
		return "", err
	}
	if !found || rets[0] == lua.LNil {
		return handle, nil
	}
	return models.ResultHandle(lua.LVAsString(rets[0])), nil
}

func (r *Runtime) ExtractDerivedImage(ctx context.Context, handle models.ResultHandle) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rets, found, err := r.call(ctx, "extract", 1, lua.LString(string(handle)))
	if err != nil {
		return nil, err
	}
	if !found {
		return []byte("frame:" + string(handle)), nil
	}
	if rets[0] == lua.LNil {
		return nil, fmt.Errorf("no frame available for %s", handle)
	}
	return []byte(lua.LVAsString(rets[0])), nil
}

func (r *Runtime) FetchResult(ctx context.Context, handle models.ResultHandle) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rets, found, err := r.call(ctx, "fetch", 1, lua.LString(string(handle)))
	if err != nil {
		return nil, err
	}
	if !found || rets[0] == lua.LNil {
		return []byte(handle), nil
	}
	return []byte(lua.LVAsString(rets[0])), nil
}

func (r *Runtime) TriggerRegenerationAction(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, err := r.call(ctx, "regenerate", 0)
	return err
}

func (r *Runtime) SetStrictMode(strict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strict = strict
}

// GetLogs returns the messages logged by the script so far
func (r *Runtime) GetLogs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

// IsLuaScript checks if a file is a Lua script
func IsLuaScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
