package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mpataki/segloop/internal/models"
)

// fakeActuator answers WaitForResult from a per-prompt queue of errors. An
// exhausted queue means success.
type fakeActuator struct {
	mu          sync.Mutex
	outcomes    map[string][]error
	always      map[string]error
	prompt      string
	submitted   []string
	images      [][]byte
	regenCalls  int
	extractErr  error
	branch      bool
	branchPick  models.ResultHandle
	upscaleErr  error
	upscaled    int
	gate        chan struct{}
	inflight    atomic.Int32
	maxInflight atomic.Int32
	strict      bool
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{
		outcomes: make(map[string][]error),
		always:   make(map[string]error),
	}
}

func (f *fakeActuator) enter() func() {
	n := f.inflight.Add(1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { f.inflight.Add(-1) }
}

func (f *fakeActuator) SubmitImage(ctx context.Context, image []byte) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, image)
	return nil
}

func (f *fakeActuator) WaitImageReady(ctx context.Context, bound time.Duration) error {
	return nil
}

func (f *fakeActuator) SubmitText(ctx context.Context, prompt string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompt = prompt
	f.submitted = append(f.submitted, prompt)
	return nil
}

func (f *fakeActuator) WaitForResult(ctx context.Context, timeout time.Duration) (models.ResultHandle, error) {
	defer f.enter()()
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.always[f.prompt]; ok {
		return "", err
	}
	if queue := f.outcomes[f.prompt]; len(queue) > 0 {
		f.outcomes[f.prompt] = queue[1:]
		if queue[0] != nil {
			return "", queue[0]
		}
	}
	return models.ResultHandle(fmt.Sprintf("result:%s#%d", f.prompt, len(f.submitted))), nil
}

func (f *fakeActuator) DetectOptionalBranch(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branch, nil
}

func (f *fakeActuator) ResolveOptionalBranch(ctx context.Context, auto bool) (models.ResultHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branch = false
	return f.branchPick, nil
}

func (f *fakeActuator) Upscale(ctx context.Context, handle models.ResultHandle) (models.ResultHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upscaled++
	if f.upscaleErr != nil {
		return "", f.upscaleErr
	}
	return handle + "+hd", nil
}

func (f *fakeActuator) ExtractDerivedImage(ctx context.Context, handle models.ResultHandle) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return []byte("frame:" + string(handle)), nil
}

func (f *fakeActuator) TriggerRegenerationAction(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regenCalls++
	return nil
}

func (f *fakeActuator) SetStrictMode(strict bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strict = strict
}

func (f *fakeActuator) submissions(prompt string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.submitted {
		if p == prompt {
			n++
		}
	}
	return n
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type memRecorder struct {
	mu   sync.Mutex
	runs map[string]models.RunRecord
}

func (r *memRecorder) CreateRun(run *models.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[string]models.RunRecord)
	}
	r.runs[run.ID] = *run
	return nil
}

func (r *memRecorder) UpdateRun(run *models.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memRecorder) get(id string) models.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func testTimings() Timings {
	return Timings{
		ImageReadyBound:    time.Second,
		ModerationCooldown: time.Millisecond,
		RetryBackoff:       time.Millisecond,
		PacingSlice:        time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, act *fakeActuator, store *memStore, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithTimings(testTimings()),
		WithLogger(log.New(io.Discard, "", 0)),
	}
	return New(act, store, append(base, opts...)...)
}

func quickConfig() models.RunConfig {
	cfg := models.DefaultRunConfig()
	cfg.MaxDelay = 0
	return cfg
}

func waitRun(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatalf("run did not settle: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
