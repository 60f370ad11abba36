package app

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Calibrate key.Binding
	Up        key.Binding
	Down      key.Binding
	Validate  key.Binding
	Help      key.Binding
	Quit      key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Calibrate: key.NewBinding(
			key.WithKeys("c", "C"),
			key.WithHelp("c", "calibrate"),
		),
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "previous"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "next"),
		),
		Validate: key.NewBinding(
			key.WithKeys("enter", "v", "V"),
			key.WithHelp("enter/v", "validate position"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "Q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Calibrate, k.Validate, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Calibrate, k.Validate},
		{k.Up, k.Down},
		{k.Help, k.Quit},
	}
}
