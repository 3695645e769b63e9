// Package monitor is a live terminal dashboard for one node: peer delivery
// state, replication counters and the entity list, refreshed on a timer.
package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/statesync/internal/adminclient"
	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/replica"
)

// Source is what the monitor polls; *adminclient.Client satisfies it.
type Source interface {
	Stats(ctx context.Context) (*replica.Stats, error)
	ListEntities(ctx context.Context, opts adminclient.ListOptions) ([]models.Entity, error)
}

// Panel represents which panel is active
type Panel int

const (
	PanelPeers Panel = iota
	PanelEntities
)

// Model is the main Bubble Tea model for the monitor TUI
type Model struct {
	source Source

	// Window dimensions
	Width  int
	Height int

	// Panel data
	Stats    *replica.Stats
	Entities []models.Entity

	// UI state
	ActivePanel Panel
	ShowHelp    bool
	Filtering   bool
	StateFilter models.State
	LastRefresh time.Time
	Err         error

	peerTable   table.Model
	entityTable table.Model
	filterInput textinput.Model
	keys        keyMap
	help        help.Model

	// Configuration
	RefreshInterval time.Duration
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 60

// MinHeight is the minimum terminal height for proper display
const MinHeight = 15

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Stats     *replica.Stats
	Entities  []models.Entity
	Err       error
	Timestamp time.Time
}

// NewModel creates a new monitor model
func NewModel(source Source, interval time.Duration) Model {
	fi := textinput.New()
	fi.Placeholder = "state (empty for all)"
	fi.Prompt = "filter> "
	fi.CharLimit = 64

	m := Model{
		source:          source,
		RefreshInterval: interval,
		ActivePanel:     PanelPeers,
		peerTable:       newTable(peerColumns(MinWidth)),
		entityTable:     newTable(entityColumns(MinWidth)),
		filterInput:     fi,
		keys:            defaultKeyMap(),
		help:            help.New(),
	}
	m.syncFocus()
	return m
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchData(),
		m.scheduleTick(),
	)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.Filtering {
			return m.handleFilterKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.resizeTables()
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Err = msg.Err
		if msg.Err == nil {
			m.Stats = msg.Stats
			m.Entities = msg.Entities
			m.peerTable.SetRows(peerRows(msg.Stats))
			m.entityTable.SetRows(entityRows(msg.Entities))
		}
		m.LastRefresh = msg.Timestamp
		return m, nil
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.NextPanel):
		m.ActivePanel = (m.ActivePanel + 1) % 2
		m.syncFocus()
		return m, nil

	case key.Matches(msg, m.keys.PeerPanel):
		m.ActivePanel = PanelPeers
		m.syncFocus()
		return m, nil

	case key.Matches(msg, m.keys.EntityPane):
		m.ActivePanel = PanelEntities
		m.syncFocus()
		return m, nil

	case key.Matches(msg, m.keys.Filter):
		m.Filtering = true
		m.filterInput.SetValue(string(m.StateFilter))
		m.filterInput.Focus()
		return m, textinput.Blink

	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchData()

	case key.Matches(msg, m.keys.Help):
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	var cmd tea.Cmd
	if m.ActivePanel == PanelPeers {
		m.peerTable, cmd = m.peerTable.Update(msg)
	} else {
		m.entityTable, cmd = m.entityTable.Update(msg)
	}
	return m, cmd
}

// handleFilterKey edits the state filter; enter applies, esc cancels
func (m Model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.StateFilter = models.State(m.filterInput.Value())
		m.Filtering = false
		m.filterInput.Blur()
		m.ActivePanel = PanelEntities
		m.syncFocus()
		return m, m.fetchData()
	case "esc":
		m.Filtering = false
		m.filterInput.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.filterInput, cmd = m.filterInput.Update(msg)
	return m, cmd
}

func (m *Model) syncFocus() {
	if m.ActivePanel == PanelPeers {
		m.peerTable.Focus()
		m.entityTable.Blur()
	} else {
		m.entityTable.Focus()
		m.peerTable.Blur()
	}
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that fetches all data and sends a RefreshDataMsg
func (m Model) fetchData() tea.Cmd {
	source, filter, timeout := m.source, m.StateFilter, m.RefreshInterval
	return func() tea.Msg {
		return FetchData(source, filter, timeout)
	}
}
