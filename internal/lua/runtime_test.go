package lua

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/segloop/internal/actuator"
	"github.com/mpataki/segloop/internal/models"
)

func newRuntime(t *testing.T, source string) *Runtime {
	t.Helper()
	r, err := NewRuntime(source, nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func submit(t *testing.T, r *Runtime, prompt string) (models.ResultHandle, error) {
	t.Helper()
	require.NoError(t, r.SubmitText(context.Background(), prompt))
	return r.WaitForResult(context.Background(), time.Second)
}

func TestRuntime_DefaultsWithoutHooks(t *testing.T) {
	r := newRuntime(t, "")
	ctx := context.Background()

	handle, err := submit(t, r, "a cat")
	require.NoError(t, err)
	assert.Equal(t, models.ResultHandle("lua-1"), handle)

	branch, err := r.DetectOptionalBranch(ctx)
	require.NoError(t, err)
	assert.False(t, branch)

	up, err := r.Upscale(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, handle, up)

	img, err := r.ExtractDerivedImage(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, "frame:lua-1", string(img))

	assert.NoError(t, r.TriggerRegenerationAction(ctx))
	assert.NoError(t, r.WaitImageReady(ctx, time.Second))
}

func TestRuntime_OutcomesMapToFailureKinds(t *testing.T) {
	r := newRuntime(t, `
function generate(prompt, has_image, n)
  if prompt == "spam" then return "rate_limited", "slow down" end
  if prompt == "nsfw" then return "moderated", "Content Moderated" end
  if prompt == "slow" then return "timeout" end
  if prompt == "broken" then return "error", "boom" end
  if prompt == "weird" then return "banana" end
  return "ok", "clip-" .. n
end
`)

	tests := []struct {
		prompt string
		kind   actuator.Kind
	}{
		{"spam", actuator.KindRateLimited},
		{"nsfw", actuator.KindModerated},
		{"slow", actuator.KindTimeout},
		{"broken", actuator.KindOther},
		{"weird", actuator.KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			_, err := submit(t, r, tt.prompt)
			require.Error(t, err)
			assert.Equal(t, tt.kind, actuator.KindOf(err))
		})
	}

	handle, err := submit(t, r, "fine")
	require.NoError(t, err)
	assert.Equal(t, models.ResultHandle("clip-6"), handle)
}

func TestRuntime_ScriptStateAndContext(t *testing.T) {
	r := newRuntime(t, `
local moderated = 0
function generate(prompt, has_image, n)
  local ctx = context()
  log("attempt " .. n .. " strict=" .. tostring(ctx.strict) .. " image=" .. tostring(has_image))
  if moderated < 2 then
    moderated = moderated + 1
    return "moderated"
  end
  return "ok"
end

function regenerate()
  log("regenerate clicked")
end
`)
	r.SetStrictMode(true)
	ctx := context.Background()

	require.NoError(t, r.SubmitImage(ctx, []byte("seed")))
	_, err := submit(t, r, "p")
	assert.Equal(t, actuator.KindModerated, actuator.KindOf(err))
	require.NoError(t, r.TriggerRegenerationAction(ctx))
	_, err = submit(t, r, "p")
	assert.Equal(t, actuator.KindModerated, actuator.KindOf(err))
	_, err = submit(t, r, "p")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"attempt 1 strict=true image=true",
		"regenerate clicked",
		"attempt 2 strict=true image=false",
		"attempt 3 strict=true image=false",
	}, r.GetLogs())
}

func TestRuntime_TimeoutWhileSleeping(t *testing.T) {
	r := newRuntime(t, `
function generate(prompt)
  sleep(5)
  return "ok"
end
`)
	require.NoError(t, r.SubmitText(context.Background(), "p"))

	start := time.Now()
	_, err := r.WaitForResult(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, actuator.KindTimeout, actuator.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRuntime_CancelledContextIsNotATimeout(t *testing.T) {
	r := newRuntime(t, `
function generate(prompt)
  sleep(5)
  return "ok"
end
`)
	require.NoError(t, r.SubmitText(context.Background(), "p"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := r.WaitForResult(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRuntime_BranchUpscaleExtractFetch(t *testing.T) {
	r := newRuntime(t, `
function branch(handle) return handle == "lua-1" end
function resolve_branch(auto)
  if auto then return nil end
  return "picked"
end
function upscale(handle) return handle .. "-hd" end
function extract(handle)
  if handle == "none" then return nil end
  return "png:" .. handle
end
function fetch(handle) return "mp4:" .. handle end
function image_ready() return false end
`)
	ctx := context.Background()

	_, err := submit(t, r, "p")
	require.NoError(t, err)

	branch, err := r.DetectOptionalBranch(ctx)
	require.NoError(t, err)
	assert.True(t, branch)

	chosen, err := r.ResolveOptionalBranch(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, chosen)
	chosen, err = r.ResolveOptionalBranch(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, models.ResultHandle("picked"), chosen)

	up, err := r.Upscale(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, models.ResultHandle("x-hd"), up)

	img, err := r.ExtractDerivedImage(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "png:x", string(img))
	_, err = r.ExtractDerivedImage(ctx, "none")
	assert.Error(t, err)

	data, err := r.FetchResult(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "mp4:x", string(data))

	err = r.WaitImageReady(ctx, time.Second)
	assert.Equal(t, actuator.KindTimeout, actuator.KindOf(err))
}

func TestRuntime_Sandbox(t *testing.T) {
	for _, src := range []string{
		`dofile("/etc/passwd")`,
		`print("hi")`,
		`os.exit(1)`,
		`math.random()`,
	} {
		_, err := NewRuntime(src, nil)
		assert.Error(t, err, src)
	}

	_, err := NewRuntimeFromFile("/does/not/exist.lua", nil)
	assert.Error(t, err)
	assert.True(t, IsLuaScript("sim.lua"))
	assert.False(t, IsLuaScript("plan.yaml"))
}
