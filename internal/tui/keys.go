package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up         key.Binding
	Down       key.Binding
	Start      key.Binding
	Restore    key.Binding
	Switch     key.Binding
	Pause      key.Binding
	Resume     key.Binding
	Regenerate key.Binding
	Cascade    key.Binding
	Download   key.Binding
	Visibility key.Binding
	Refresh    key.Binding
	Back       key.Binding
	Confirm    key.Binding
	Quit       key.Binding
}

var keys = keyMap{
	Up:         key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:       key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Start:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "start")),
	Restore:    key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "restore checkpoint")),
	Switch:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch view")),
	Pause:      key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause")),
	Resume:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resume")),
	Regenerate: key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "regenerate")),
	Cascade:    key.NewBinding(key.WithKeys("G"), key.WithHelp("G", "regenerate onward")),
	Download:   key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "download")),
	Visibility: key.NewBinding(key.WithKeys("v"), key.WithHelp("v", "hide/show")),
	Refresh:    key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "refresh")),
	Back:       key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Confirm:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "ok")),
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// helpKeys adapts a flat binding list to help.KeyMap.
type helpKeys []key.Binding

func (h helpKeys) ShortHelp() []key.Binding  { return h }
func (h helpKeys) FullHelp() [][]key.Binding { return [][]key.Binding{h} }

func (k keyMap) plans() helpKeys {
	return helpKeys{k.Up, k.Down, k.Start, k.Restore, k.Switch, k.Refresh, k.Quit}
}

func (k keyMap) run() helpKeys {
	return helpKeys{k.Up, k.Down, k.Pause, k.Resume, k.Regenerate, k.Cascade, k.Download, k.Visibility, k.Switch, k.Quit}
}

func (k keyMap) prompt() helpKeys {
	return helpKeys{k.Confirm, k.Back}
}

func (k keyMap) notice() helpKeys {
	return helpKeys{k.Confirm}
}
