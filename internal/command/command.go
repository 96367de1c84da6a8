// Package command translates external commands into orchestrator
// operations. It is the only path by which a control surface changes a run.
package command

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/mpataki/segloop/internal/models"
	"github.com/mpataki/segloop/internal/orchestrator"
)

type Type string

const (
	TypeStart         Type = "START"
	TypePause         Type = "PAUSE"
	TypeResume        Type = "RESUME"
	TypeRestore       Type = "RESTORE"
	TypeRegenerate    Type = "REGENERATE"
	TypeSetVisibility Type = "SET_VISIBILITY"
	TypeDownload      Type = "DOWNLOAD"
)

type Command struct {
	Type Type `json:"type"`

	// START
	PlanName string            `json:"plan_name,omitempty"`
	Segments []*models.Segment `json:"segments,omitempty"`
	Config   *models.RunConfig `json:"config,omitempty"`

	// RESUME
	Edits []models.SegmentEdit `json:"edits,omitempty"`

	// RESTORE; nil loads the checkpoint from the store.
	Checkpoint *models.RunState `json:"checkpoint,omitempty"`

	// REGENERATE, DOWNLOAD
	Index   int    `json:"index"`
	Prompt  string `json:"prompt,omitempty"`
	Cascade bool   `json:"cascade,omitempty"`

	// SET_VISIBILITY
	Visible bool `json:"visible"`
}

const (
	StatusStarted = "STARTED"
	StatusOK      = "OK"
)

type Ack struct {
	Status string `json:"status"`
}

var ErrUnknownCommand = errors.New("unknown command")

// Runner is the part of the orchestrator commands drive.
type Runner interface {
	Start(ctx context.Context, planName string, segments []*models.Segment, cfg models.RunConfig) error
	Pause()
	Resume(ctx context.Context, edits []models.SegmentEdit) error
	Restore(ctx context.Context, saved *models.RunState) error
	Regenerate(ctx context.Context, index int, prompt string, cascade bool) error
	State() *models.RunState
}

// LastConfigSaver remembers the config of each started run.
type LastConfigSaver interface {
	SaveLast(cfg models.RunConfig) error
}

// View receives visibility changes. Commands never change a run through it.
type View interface {
	SetVisible(visible bool)
}

type Dispatcher struct {
	runner     Runner
	store      orchestrator.Store
	last       LastConfigSaver
	downloader orchestrator.Downloader
	logger     *log.Logger

	mu      sync.Mutex
	view    View
	visible bool
}

type Option func(*Dispatcher)

func WithLastConfig(s LastConfigSaver) Option {
	return func(d *Dispatcher) { d.last = s }
}

func WithDownloader(dl orchestrator.Downloader) Option {
	return func(d *Dispatcher) { d.downloader = dl }
}

func WithView(v View) Option {
	return func(d *Dispatcher) { d.view = v }
}

func WithLogger(l *log.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(runner Runner, store orchestrator.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{runner: runner, store: store, visible: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch applies cmd. START and REGENERATE acknowledge with STARTED once
// the run has been accepted; progress is reported through events.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Ack, error) {
	switch cmd.Type {
	case TypeStart:
		cfg := models.DefaultRunConfig()
		if cmd.Config != nil {
			cfg = *cmd.Config
		}
		if err := d.runner.Start(ctx, cmd.PlanName, cmd.Segments, cfg); err != nil {
			return Ack{}, err
		}
		if d.last != nil {
			if err := d.last.SaveLast(cfg); err != nil {
				d.logf("[CMD] failed to save last config: %v", err)
			}
		}
		return Ack{Status: StatusStarted}, nil

	case TypePause:
		d.runner.Pause()
		return Ack{Status: StatusOK}, nil

	case TypeResume:
		if err := d.runner.Resume(ctx, cmd.Edits); err != nil {
			return Ack{}, err
		}
		return Ack{Status: StatusOK}, nil

	case TypeRestore:
		saved := cmd.Checkpoint
		if saved == nil {
			var err error
			saved, err = orchestrator.LoadCheckpoint(d.store)
			if err != nil {
				return Ack{}, err
			}
		}
		if err := d.runner.Restore(ctx, saved); err != nil {
			return Ack{}, err
		}
		return Ack{Status: StatusOK}, nil

	case TypeRegenerate:
		if err := d.runner.Regenerate(ctx, cmd.Index, cmd.Prompt, cmd.Cascade); err != nil {
			return Ack{}, err
		}
		return Ack{Status: StatusStarted}, nil

	case TypeSetVisibility:
		d.mu.Lock()
		d.visible = cmd.Visible
		view := d.view
		d.mu.Unlock()
		if view != nil {
			view.SetVisible(cmd.Visible)
		}
		return Ack{Status: StatusOK}, nil

	case TypeDownload:
		if err := d.download(ctx, cmd.Index); err != nil {
			return Ack{}, err
		}
		return Ack{Status: StatusOK}, nil
	}

	return Ack{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
}

// SetView attaches a view after construction, for views that themselves
// need the dispatcher.
func (d *Dispatcher) SetView(v View) {
	d.mu.Lock()
	d.view = v
	d.mu.Unlock()
}

// Visible reports the last visibility set through SET_VISIBILITY.
func (d *Dispatcher) Visible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

func (d *Dispatcher) download(ctx context.Context, index int) error {
	if d.downloader == nil {
		return fmt.Errorf("downloads are not configured")
	}
	state := d.runner.State()
	if state == nil {
		return orchestrator.ErrNoRun
	}
	if index < 0 || index >= len(state.Segments) {
		return fmt.Errorf("%w: %d", orchestrator.ErrIndexOutOfRange, index)
	}
	seg := state.Segments[index]
	if seg.Status != models.SegmentStatusDone || seg.ResultHandle == "" {
		return fmt.Errorf("segment %d has no finished result", index+1)
	}
	return d.downloader.Download(ctx, state.ID, index, seg.ResultHandle)
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
