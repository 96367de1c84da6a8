package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/segloop/internal/actuator"
	"github.com/mpataki/segloop/internal/models"
)

// Store is the durable key→blob storage used for checkpoints.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// RunRecorder keeps the run history. It is optional.
type RunRecorder interface {
	CreateRun(run *models.RunRecord) error
	UpdateRun(run *models.RunRecord) error
}

// Downloader saves a finished segment's artifact somewhere durable.
type Downloader interface {
	Download(ctx context.Context, runID string, index int, handle models.ResultHandle) error
}

// Timings are the fixed waits of the segment processor.
type Timings struct {
	ImageReadyBound    time.Duration
	ModerationCooldown time.Duration
	RetryBackoff       time.Duration
	PacingSlice        time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		ImageReadyBound:    20 * time.Second,
		ModerationCooldown: 5 * time.Second,
		RetryBackoff:       5 * time.Second,
		PacingSlice:        100 * time.Millisecond,
	}
}

// maxRetries is the generic retry budget beyond the first attempt.
const maxRetries = 2

type Option func(*Orchestrator)

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithDownloader(d Downloader) Option {
	return func(o *Orchestrator) { o.downloader = d }
}

func WithTimings(t Timings) Option {
	return func(o *Orchestrator) { o.timings = t }
}

// WithRand replaces the pacing random source; fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(o *Orchestrator) { o.randFloat = fn }
}

// WithBaseContext sets the context iteration runs under. Cancelling it is a
// hard stop: the current wait is abandoned and the checkpoint is kept.
func WithBaseContext(ctx context.Context) Option {
	return func(o *Orchestrator) { o.baseCtx = ctx }
}

// Orchestrator owns the RunState of a single run and drives it segment by
// segment. All mutations happen under mu; at most one iteration goroutine
// exists at a time.
type Orchestrator struct {
	act        actuator.Actuator
	store      Store
	recorder   RunRecorder
	downloader Downloader
	logger     *log.Logger
	timings    Timings
	randFloat  func() float64
	baseCtx    context.Context
	pacer      *Pacer

	mu      sync.Mutex
	state   *models.RunState
	record  *models.RunRecord
	looping bool
	done    chan struct{}
	runErr  error

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

func New(act actuator.Actuator, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		act:         act,
		store:       store,
		logger:      log.New(os.Stderr, "", log.LstdFlags),
		timings:     DefaultTimings(),
		baseCtx:     context.Background(),
		subscribers: make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.New(io.Discard, "", 0)
	}
	o.pacer = NewPacer(o.timings.PacingSlice, o.randFloat)
	return o
}

// Start begins a new run over segments.
func (o *Orchestrator) Start(ctx context.Context, planName string, segments []*models.Segment, cfg models.RunConfig) error {
	if len(segments) == 0 {
		return ErrNoSegments
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid run config: %w", err)
	}
	if err := o.waitDrained(ctx, ErrAlreadyRunning); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != nil && o.state.IsRunning {
		return ErrAlreadyRunning
	}

	for i, seg := range segments {
		seg.ID = i
		seg.Status = models.SegmentStatusPending
		seg.ResultHandle = ""
	}
	// Without reuse, the seed image belongs to the first segment only.
	if !cfg.ReuseInitialImage && len(cfg.InitialImage) > 0 && len(segments[0].InputImage) == 0 {
		segments[0].InputImage = cfg.InitialImage
		segments[0].Custom = true
	}

	o.state = &models.RunState{
		ID:           uuid.NewString(),
		PlanName:     planName,
		Segments:     segments,
		CurrentIndex: 0,
		IsRunning:    true,
		Config:       cfg,
	}
	o.runErr = nil
	o.record = &models.RunRecord{
		ID:           o.state.ID,
		PlanName:     planName,
		Status:       models.RunStatusRunning,
		SegmentCount: len(segments),
	}
	if o.recorder != nil {
		if err := o.recorder.CreateRun(o.record); err != nil {
			o.logger.Printf("[ORCH] failed to record run %s: %v", o.state.ID, err)
		}
	}
	o.applyStrictMode(cfg)

	o.logger.Printf("[ORCH] starting run %s with %d segments", o.state.ID, len(segments))
	o.publishLocked(EventStateChanged, "")
	o.spawnLocked()
	return nil
}

// Pause stops the run at the next checked boundary. It does not interrupt
// an in-flight wait on the actuator.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil || !o.state.IsRunning {
		return
	}
	o.logger.Printf("[ORCH] pause requested at segment %d", o.state.CurrentIndex+1)
	o.state.IsRunning = false
	o.publishLocked(EventStateChanged, "")
}

// Resume continues a paused run from CurrentIndex after merging edits into
// the segments at and after it. Edits past the end append new segments. It
// is a no-op when the run is already running, or finished with nothing new.
func (o *Orchestrator) Resume(ctx context.Context, edits []models.SegmentEdit) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return ErrNoRun
	}
	if o.state.IsRunning {
		return nil
	}

	s := o.state
	appended := -1
	for i, edit := range edits {
		if i >= len(s.Segments) {
			if appended < 0 {
				appended = i
			}
			s.Segments = append(s.Segments, &models.Segment{
				ID:         i,
				Prompt:     edit.Prompt,
				InputImage: edit.InputImage,
				Custom:     len(edit.InputImage) > 0,
				Status:     models.SegmentStatusPending,
			})
			continue
		}
		if s.CurrentIndex < 0 || i < s.CurrentIndex {
			continue
		}
		seg := s.Segments[i]
		seg.Prompt = edit.Prompt
		if edit.InputImage != nil {
			seg.InputImage = edit.InputImage
			seg.Custom = len(edit.InputImage) > 0
		}
	}

	if s.CurrentIndex < 0 {
		if appended < 0 {
			return nil
		}
		s.CurrentIndex = appended
	}
	if o.record != nil {
		o.record.SegmentCount = len(s.Segments)
	}

	o.logger.Printf("[ORCH] resuming run %s at segment %d", s.ID, s.CurrentIndex+1)
	s.IsRunning = true
	o.runErr = nil
	o.publishLocked(EventStateChanged, "")
	if !o.looping {
		o.spawnLocked()
	}
	return nil
}

// Restore rehydrates a run from a checkpoint and resumes it. Segments from
// the current index on that were working or errored are reset to pending,
// since an interrupted attempt cannot be trusted to have completed.
func (o *Orchestrator) Restore(ctx context.Context, saved *models.RunState) error {
	if saved == nil {
		return ErrNoCheckpoint
	}
	if err := o.waitDrained(ctx, ErrAlreadyRunning); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != nil && o.state.IsRunning {
		return ErrAlreadyRunning
	}
	if saved.CurrentIndex < 0 || saved.CurrentIndex >= len(saved.Segments) {
		o.logger.Printf("[ORCH] checkpoint %s has nothing left to do", saved.ID)
		return nil
	}

	s := saved.Clone()
	for i := s.CurrentIndex; i < len(s.Segments); i++ {
		seg := s.Segments[i]
		if seg.Status == models.SegmentStatusWorking || seg.Status == models.SegmentStatusError {
			seg.Status = models.SegmentStatusPending
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.IsRunning = true
	o.state = s
	o.runErr = nil
	o.record = &models.RunRecord{
		ID:           s.ID,
		PlanName:     s.PlanName,
		Status:       models.RunStatusRunning,
		SegmentCount: len(s.Segments),
		DoneCount:    s.DoneCount(),
	}
	o.applyStrictMode(s.Config)

	o.logger.Printf("[ORCH] restored run %s at segment %d", s.ID, s.CurrentIndex+1)
	o.publishLocked(EventStateChanged, "")
	o.spawnLocked()
	return nil
}

// Regenerate reopens segment index (and every later one when cascade is
// set) and resumes from it. The run must be paused first.
func (o *Orchestrator) Regenerate(ctx context.Context, index int, prompt string, cascade bool) error {
	if err := o.waitDrained(ctx, ErrMustPauseFirst); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return ErrNoRun
	}
	s := o.state
	if s.IsRunning {
		return ErrMustPauseFirst
	}
	if index < 0 || index >= len(s.Segments) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	if prompt != "" {
		s.Segments[index].Prompt = prompt
	}
	last := index
	if cascade {
		last = len(s.Segments) - 1
	}
	for i := index; i <= last; i++ {
		resetSegment(s.Segments[i])
	}

	s.CurrentIndex = index
	s.IsRunning = true
	o.runErr = nil
	if o.record != nil {
		o.record.CompletedAt = nil
	}

	o.logger.Printf("[ORCH] regenerating segment %d (cascade=%v)", index+1, cascade)
	o.publishLocked(EventStateChanged, "")
	o.spawnLocked()
	return nil
}

// Snapshot returns the current view of the run. ok is false before any run.
func (o *Orchestrator) Snapshot() (snap models.Snapshot, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return models.Snapshot{CurrentIndex: -1}, false
	}
	return o.state.Snapshot(), true
}

// State returns a deep copy of the run state.
func (o *Orchestrator) State() *models.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return nil
	}
	return o.state.Clone()
}

// Wait blocks until the iteration goroutine, if any, has returned.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	looping := o.looping
	o.mu.Unlock()
	if !looping || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that aborted the last run, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runErr
}

// waitDrained waits for a paused run's iteration goroutine to finish its
// in-flight step. busy is returned when the run is still active.
func (o *Orchestrator) waitDrained(ctx context.Context, busy error) error {
	for {
		o.mu.Lock()
		if o.state != nil && o.state.IsRunning {
			o.mu.Unlock()
			return busy
		}
		if !o.looping {
			o.mu.Unlock()
			return nil
		}
		done := o.done
		o.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) applyStrictMode(cfg models.RunConfig) {
	if sm, ok := o.act.(actuator.StrictModer); ok {
		sm.SetStrictMode(cfg.StrictMode)
	}
}

func (o *Orchestrator) spawnLocked() {
	o.looping = true
	o.done = make(chan struct{})
	go o.iterate(o.baseCtx, o.done)
}

// resetSegment reopens seg. A custom image is kept since it always wins over
// a chained one.
func resetSegment(seg *models.Segment) {
	seg.Status = models.SegmentStatusPending
	seg.ResultHandle = ""
	if !seg.Custom {
		seg.InputImage = nil
	}
}
