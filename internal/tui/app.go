package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/segloop/internal/command"
	"github.com/mpataki/segloop/internal/models"
	"github.com/mpataki/segloop/internal/orchestrator"
	"github.com/mpataki/segloop/internal/plan"
)

type View int

const (
	ViewPlans View = iota
	ViewRun
	ViewPrompt
	ViewNotice
)

// Dispatcher is how the dashboard changes a run. It never calls the
// orchestrator directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) (command.Ack, error)
}

type EventSource interface {
	Subscribe() (<-chan orchestrator.Event, func())
	Snapshot() (models.Snapshot, bool)
}

type RunLister interface {
	ListRuns(limit int) ([]*models.RunRecord, error)
}

type App struct {
	ctx        context.Context
	dispatcher Dispatcher
	runs       RunLister
	planNames  []string
	plans      map[string]*plan.Plan

	events      <-chan orchestrator.Event
	unsubscribe func()

	mu      sync.Mutex
	program *tea.Program

	view        View
	prevView    View
	selectedIdx int
	segmentIdx  int
	history     []*models.RunRecord
	snapshot    models.Snapshot
	hasRun      bool
	notice      string
	status      string
	visible     bool
	cascade     bool
	input       textinput.Model
	spinner     spinner.Model
	help        help.Model

	width  int
	height int
	err    error
}

func NewApp(ctx context.Context, d Dispatcher, events EventSource, runs RunLister, plans map[string]*plan.Plan) *App {
	names := make([]string, 0, len(plans))
	for name := range plans {
		names = append(names, name)
	}
	sort.Strings(names)

	ch, unsubscribe := events.Subscribe()
	snap, ok := events.Snapshot()

	ti := textinput.New()
	ti.Placeholder = "prompt"
	ti.CharLimit = 2000

	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(statusWorking))

	a := &App{
		ctx:         ctx,
		dispatcher:  d,
		runs:        runs,
		planNames:   names,
		plans:       plans,
		events:      ch,
		unsubscribe: unsubscribe,
		snapshot:    snap,
		hasRun:      ok,
		visible:     true,
		input:       ti,
		spinner:     sp,
		help:        help.New(),
	}
	if ok {
		a.view = ViewRun
	}
	return a
}

// Attach lets visibility changes from other control surfaces reach the
// running program.
func (a *App) Attach(p *tea.Program) {
	a.mu.Lock()
	a.program = p
	a.mu.Unlock()
}

// SetVisible implements command.View.
func (a *App) SetVisible(visible bool) {
	a.mu.Lock()
	p := a.program
	a.mu.Unlock()
	if p != nil {
		p.Send(visibilityMsg{visible: visible})
	}
}

// Close stops listening for run events.
func (a *App) Close() {
	a.unsubscribe()
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, waitForEvent(a.events), a.spinner.Tick, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForEvent(ch <-chan orchestrator.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		return a, nil

	case eventMsg:
		a.applyEvent(orchestrator.Event(msg))
		return a, waitForEvent(a.events)

	case runsLoadedMsg:
		a.history = msg.runs
		if msg.err != nil {
			a.err = msg.err
		}
		return a, nil

	case tickMsg:
		if a.view == ViewPlans {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()

	case dispatchedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = msg.action
			if msg.showRun {
				a.view = ViewRun
			}
		}
		return a, nil

	case visibilityMsg:
		a.visible = msg.visible
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	if a.view == ViewPrompt {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) applyEvent(ev orchestrator.Event) {
	a.snapshot = ev.Snapshot
	a.hasRun = true
	if a.segmentIdx >= len(ev.Snapshot.Segments) {
		a.segmentIdx = 0
	}

	switch ev.Type {
	case orchestrator.EventPaused:
		if ev.Notice != "" {
			a.notice = ev.Notice
			if a.view != ViewNotice {
				a.prevView = a.view
			}
			a.view = ViewNotice
		}
	case orchestrator.EventFinished:
		a.status = "run complete"
	}
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if !a.visible {
		switch {
		case key.Matches(msg, keys.Quit):
			return a, tea.Quit
		case key.Matches(msg, keys.Visibility):
			return a, a.dispatch("", false, command.Command{Type: command.TypeSetVisibility, Visible: true})
		}
		return a, nil
	}

	switch a.view {
	case ViewPlans:
		return a.handlePlansKey(msg)
	case ViewRun:
		return a.handleRunKey(msg)
	case ViewPrompt:
		return a.handlePromptKey(msg)
	case ViewNotice:
		return a.handleNoticeKey(msg)
	}
	return a, nil
}

func (a *App) handlePlansKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, keys.Up):
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case key.Matches(msg, keys.Down):
		if a.selectedIdx < len(a.planNames)-1 {
			a.selectedIdx++
		}

	case key.Matches(msg, keys.Start):
		if a.selectedIdx < len(a.planNames) {
			return a, a.startPlan(a.plans[a.planNames[a.selectedIdx]])
		}

	case key.Matches(msg, keys.Restore):
		return a, a.dispatch("restored checkpoint", true, command.Command{Type: command.TypeRestore})

	case key.Matches(msg, keys.Switch):
		if a.hasRun {
			a.view = ViewRun
		}

	case key.Matches(msg, keys.Refresh):
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, keys.Up):
		if a.segmentIdx > 0 {
			a.segmentIdx--
		}

	case key.Matches(msg, keys.Down):
		if a.segmentIdx < len(a.snapshot.Segments)-1 {
			a.segmentIdx++
		}

	case key.Matches(msg, keys.Pause):
		return a, a.dispatch("pausing", false, command.Command{Type: command.TypePause})

	case key.Matches(msg, keys.Resume):
		return a, a.dispatch("resumed", false, command.Command{Type: command.TypeResume})

	case key.Matches(msg, keys.Regenerate), key.Matches(msg, keys.Cascade):
		if a.segmentIdx < len(a.snapshot.Segments) {
			a.cascade = key.Matches(msg, keys.Cascade)
			a.input.SetValue(a.snapshot.Segments[a.segmentIdx].Prompt)
			a.input.CursorEnd()
			a.view = ViewPrompt
			return a, a.input.Focus()
		}

	case key.Matches(msg, keys.Download):
		action := fmt.Sprintf("downloaded segment %d", a.segmentIdx+1)
		return a, a.dispatch(action, false, command.Command{Type: command.TypeDownload, Index: a.segmentIdx})

	case key.Matches(msg, keys.Visibility):
		return a, a.dispatch("", false, command.Command{Type: command.TypeSetVisibility, Visible: !a.visible})

	case key.Matches(msg, keys.Switch), key.Matches(msg, keys.Back):
		a.view = ViewPlans
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.Type == tea.KeyCtrlC:
		return a, tea.Quit

	case key.Matches(msg, keys.Back):
		a.input.Blur()
		a.view = ViewRun
		return a, nil

	case key.Matches(msg, keys.Confirm):
		a.input.Blur()
		a.view = ViewRun
		prompt := strings.TrimSpace(a.input.Value())
		if prompt == a.snapshot.Segments[a.segmentIdx].Prompt {
			prompt = ""
		}
		action := fmt.Sprintf("regenerating segment %d", a.segmentIdx+1)
		return a, a.dispatch(action, false, command.Command{
			Type:    command.TypeRegenerate,
			Index:   a.segmentIdx,
			Prompt:  prompt,
			Cascade: a.cascade,
		})
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) handleNoticeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.Type == tea.KeyCtrlC:
		return a, tea.Quit

	case key.Matches(msg, keys.Confirm), key.Matches(msg, keys.Back):
		a.notice = ""
		a.view = a.prevView
	}
	return a, nil
}

// Messages

type eventMsg orchestrator.Event

type runsLoadedMsg struct {
	runs []*models.RunRecord
	err  error
}

type dispatchedMsg struct {
	action  string
	showRun bool
	err     error
}

type visibilityMsg struct {
	visible bool
}

// Commands

func (a *App) loadRuns() tea.Msg {
	if a.runs == nil {
		return runsLoadedMsg{}
	}
	runs, err := a.runs.ListRuns(10)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) dispatch(action string, showRun bool, cmd command.Command) tea.Cmd {
	return func() tea.Msg {
		_, err := a.dispatcher.Dispatch(a.ctx, cmd)
		return dispatchedMsg{action: action, showRun: showRun, err: err}
	}
}

func (a *App) startPlan(p *plan.Plan) tea.Cmd {
	return func() tea.Msg {
		segments, cfg, err := p.Build()
		if err != nil {
			return dispatchedMsg{err: err}
		}
		_, err = a.dispatcher.Dispatch(a.ctx, command.Command{
			Type:     command.TypeStart,
			PlanName: p.Name,
			Segments: segments,
			Config:   &cfg,
		})
		return dispatchedMsg{action: "started " + p.Name, showRun: true, err: err}
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
