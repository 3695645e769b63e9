package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// renderView renders the complete TUI view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}

	// Handle small terminal sizes gracefully
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}

	if m.ShowHelp {
		return m.renderHelp()
	}

	header := m.renderHeader()
	peers := m.wrapPanel("PEERS", m.peerTable.View(), PanelPeers)
	entTitle := "ENTITIES"
	if m.StateFilter != "" {
		entTitle += " (" + string(m.StateFilter) + ")"
	}
	entities := m.wrapPanel(entTitle, m.entityTable.View(), PanelEntities)

	return lipgloss.JoinVertical(lipgloss.Left, header, peers, entities, m.renderFooter())
}

// renderHeader renders node identity, status and counters on two lines
func (m Model) renderHeader() string {
	if m.Stats == nil {
		if m.Err != nil {
			return errStyle.Render(m.fit("Error: " + m.Err.Error()))
		}
		return subtleStyle.Render("waiting for node...")
	}
	st := m.Stats
	line1 := fmt.Sprintf("%s %s  queue=%d  seq=%d  entities=%d  tombstones=%d",
		titleStyle.Render("node "+st.NodeID),
		formatNodeStatus(st.IsRunning, st.Degraded),
		st.QueueSize, st.Sequence, st.Entities, st.Tombstones)
	mt := st.Metrics
	line2 := fmt.Sprintf("sent %d/%d batches  failed %d  dropped %d  applied %d  dup %d  echo %d  apply-fail %d",
		mt.EventsSent, mt.BatchesSent, mt.DispatchFailures, mt.EventsDropped,
		mt.Applied, mt.Duplicates, mt.EchoesDropped, mt.ApplyFailures)
	out := m.fit(line1) + "\n" + subtleStyle.Render(m.fit(line2))
	if m.Err != nil {
		out += "\n" + errStyle.Render(m.fit("stale: "+m.Err.Error()))
	}
	return out
}

// fit truncates s to the window width
func (m Model) fit(s string) string {
	return ansi.Truncate(s, m.Width, "…")
}

// wrapPanel wraps content in a bordered panel, highlighting the active one
func (m Model) wrapPanel(title, content string, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}
	body := panelTitleStyle.Render(title) + "\n" + content
	return style.Width(max(m.Width-2, 10)).Render(body)
}

// renderCompact renders a minimal view for small terminals
func (m Model) renderCompact() string {
	var s strings.Builder
	s.WriteString("statesync monitor (resize for full view)\n\n")
	if m.Stats != nil {
		s.WriteString(fmt.Sprintf("Node: %s %s\n", m.Stats.NodeID, formatNodeStatus(m.Stats.IsRunning, m.Stats.Degraded)))
		s.WriteString(fmt.Sprintf("Queue: %d | Peers: %d | Entities: %d\n", m.Stats.QueueSize, m.Stats.PeerCount, m.Stats.Entities))
	}
	if m.Err != nil {
		s.WriteString(errStyle.Render("Error: "+m.Err.Error()) + "\n")
	}
	s.WriteString("\nq:quit r:refresh ?:help")
	return s.String()
}

// renderFooter renders key hints or the filter prompt
func (m Model) renderFooter() string {
	if m.Filtering {
		return m.filterInput.View()
	}
	refreshed := "never"
	if !m.LastRefresh.IsZero() {
		refreshed = m.LastRefresh.Format("15:04:05")
	}
	h := m.help
	h.Width = m.Width
	return m.fit(h.ShortHelpView(m.keys.ShortHelp()) + helpStyle.Render("  refreshed "+refreshed))
}

// renderHelp renders the help screen
func (m Model) renderHelp() string {
	h := m.help
	h.Width = m.Width
	var s strings.Builder
	s.WriteString(titleStyle.Render("STATESYNC MONITOR"))
	s.WriteString("\n\n")
	s.WriteString(h.FullHelpView(m.keys.FullHelp()))
	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render("Peers show pending (parked) events, delivered and dropped counts,\nand the time of the last successful send."))
	return s.String()
}
