package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/segloop/internal/command"
	"github.com/mpataki/segloop/internal/lua"
	"github.com/mpataki/segloop/internal/models"
	"github.com/mpataki/segloop/internal/orchestrator"
	"github.com/mpataki/segloop/internal/storage"
)

const demoPlan = `
name: demo
config:
  max_delay: 0
segments:
  - prompt: one
  - prompt: two
`

type harness struct {
	orch   *orchestrator.Orchestrator
	store  *storage.Storage
	router http.Handler
}

func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.yaml"), []byte(demoPlan), 0644))

	store, err := storage.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rt, err := lua.NewRuntime(script, nil)
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	quiet := log.New(io.Discard, "", 0)
	orch := orchestrator.New(rt, store,
		orchestrator.WithRecorder(store),
		orchestrator.WithLogger(quiet),
		orchestrator.WithTimings(orchestrator.Timings{
			ImageReadyBound:    time.Second,
			ModerationCooldown: time.Millisecond,
			RetryBackoff:       time.Millisecond,
			PacingSlice:        time.Millisecond,
		}),
	)
	dispatcher := command.NewDispatcher(orch, store)
	srv := New(dispatcher, orch, store, dir, quiet)

	return &harness{orch: orch, store: store, router: srv.Router()}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Wait(ctx))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_StartPlanAndInspect(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, "GET", "/v1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[StateResponse](t, rec).Active)

	rec = h.do(t, "POST", "/v1/plans/demo/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, command.StatusStarted, decode[command.Ack](t, rec).Status)
	h.wait(t)

	rec = h.do(t, "GET", "/v1/state", "")
	state := decode[StateResponse](t, rec)
	assert.True(t, state.Active)
	assert.Equal(t, -1, state.Snapshot.CurrentIndex)
	require.Len(t, state.Snapshot.Segments, 2)
	assert.Equal(t, models.SegmentStatusDone, state.Snapshot.Segments[1].Status)

	rec = h.do(t, "GET", "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[map[string][]models.RunRecord](t, rec)["runs"]
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusComplete, runs[0].Status)
	assert.Equal(t, "demo", runs[0].PlanName)

	rec = h.do(t, "GET", "/v1/plans", "")
	plans := decode[map[string][]PlanSummary](t, rec)["plans"]
	assert.Equal(t, []PlanSummary{{Name: "demo", Segments: 2}}, plans)

	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/v1/plans/nope/start", "").Code)
}

func TestServer_Regenerate(t *testing.T) {
	h := newHarness(t, "")

	require.Equal(t, http.StatusAccepted, h.do(t, "POST", "/v1/plans/demo/start", "").Code)
	h.wait(t)

	rec := h.do(t, "POST", "/v1/segments/1/regenerate", `{"prompt":"two again"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.wait(t)

	snap, _ := h.orch.Snapshot()
	assert.Equal(t, "two again", snap.Segments[1].Prompt)
	assert.Equal(t, models.SegmentStatusDone, snap.Segments[1].Status)

	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/segments/9/regenerate", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/segments/x/regenerate", "").Code)
}

func TestServer_ConflictsAndErrors(t *testing.T) {
	h := newHarness(t, `
function generate(prompt)
  sleep(0.2)
  return "ok"
end
`)

	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/v1/resume", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/v1/restore", "").Code)

	require.Equal(t, http.StatusAccepted, h.do(t, "POST", "/v1/plans/demo/start", "").Code)
	assert.Equal(t, http.StatusConflict, h.do(t, "POST", "/v1/plans/demo/start", "").Code)
	assert.Equal(t, http.StatusConflict, h.do(t, "POST", "/v1/segments/0/regenerate", "").Code)

	rec := h.do(t, "POST", "/v1/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h.wait(t)

	snap, _ := h.orch.Snapshot()
	assert.False(t, snap.IsRunning)
	assert.NotEqual(t, -1, snap.CurrentIndex)

	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/commands", `{"type":"EXPLODE"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/commands", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/commands", `{"type":"START"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "GET", "/v1/runs?limit=-1", "").Code)
}

func TestServer_CommandEndpoint(t *testing.T) {
	h := newHarness(t, "")

	body := `{"type":"START","plan_name":"inline","segments":[{"prompt":"x"}],"config":{"max_delay":0}}`
	rec := h.do(t, "POST", "/v1/commands", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.wait(t)

	rec = h.do(t, "POST", "/v1/commands", `{"type":"SET_VISIBILITY","visible":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[StateResponse](t, h.do(t, "GET", "/v1/state", "")).Visible)
}

func TestServer_StreamEvents(t *testing.T) {
	h := newHarness(t, "")
	ts := httptest.NewServer(h.router)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Equal(t, http.StatusAccepted, h.do(t, "POST", "/v1/plans/demo/start", "").Code)

	scanner := bufio.NewScanner(resp.Body)
	var sawFinished bool
	for scanner.Scan() {
		if scanner.Text() == "event: "+string(orchestrator.EventFinished) {
			sawFinished = true
			break
		}
	}
	assert.True(t, sawFinished)
}
