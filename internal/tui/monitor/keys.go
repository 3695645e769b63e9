package monitor

import "github.com/charmbracelet/bubbles/key"

// keyMap holds the monitor's bindings. It implements help.KeyMap so the
// footer and the help screen are generated from the same definitions.
type keyMap struct {
	Quit       key.Binding
	NextPanel  key.Binding
	PeerPanel  key.Binding
	EntityPane key.Binding
	Up         key.Binding
	Down       key.Binding
	Filter     key.Binding
	Refresh    key.Binding
	Help       key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		NextPanel:  key.NewBinding(key.WithKeys("tab", "shift+tab"), key.WithHelp("tab", "panel")),
		PeerPanel:  key.NewBinding(key.WithKeys("1"), key.WithHelp("1", "peers")),
		EntityPane: key.NewBinding(key.WithKeys("2"), key.WithHelp("2", "entities")),
		Up:         key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
		Down:       key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
		Filter:     key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "filter by state")),
		Refresh:    key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Help:       key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	}
}

// ShortHelp is shown in the footer
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPanel, k.Down, k.Filter, k.Refresh, k.Help, k.Quit}
}

// FullHelp is shown on the help screen, one column per group
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.NextPanel, k.PeerPanel, k.EntityPane, k.Up, k.Down},
		{k.Filter, k.Refresh, k.Help, k.Quit},
	}
}
