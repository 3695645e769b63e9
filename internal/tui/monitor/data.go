package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/marcus/statesync/internal/adminclient"
	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/output"
	"github.com/marcus/statesync/internal/replica"
)

// FetchData retrieves all data needed for the monitor display
func FetchData(source Source, state models.State, timeout time.Duration) RefreshDataMsg {
	msg := RefreshDataMsg{Timestamp: time.Now()}
	if timeout < time.Second {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stats, err := source.Stats(ctx)
	if err != nil {
		msg.Err = err
		return msg
	}
	msg.Stats = stats

	ents, err := source.ListEntities(ctx, adminclient.ListOptions{State: state})
	if err != nil {
		msg.Err = err
		return msg
	}
	msg.Entities = ents
	return msg
}

func newTable(cols []table.Column) table.Model {
	t := table.New(
		table.WithColumns(cols),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true).Foreground(primaryColor)
	s.Selected = s.Selected.Foreground(lipglossWhite).Background(primaryColor)
	t.SetStyles(s)
	return t
}

func peerColumns(width int) []table.Column {
	addr := max(width-70, 16)
	return []table.Column{
		{Title: "PEER", Width: addr},
		{Title: "PENDING", Width: 8},
		{Title: "DELIVERED", Width: 10},
		{Title: "FAILURES", Width: 9},
		{Title: "DROPPED", Width: 8},
		{Title: "LAST OK", Width: 10},
	}
}

func entityColumns(width int) []table.Column {
	attrs := max(width-70, 16)
	return []table.Column{
		{Title: "ID", Width: 36},
		{Title: "STATE", Width: 10},
		{Title: "VER", Width: 5},
		{Title: "ATTRIBUTES", Width: attrs},
	}
}

func peerRows(st *replica.Stats) []table.Row {
	if st == nil {
		return nil
	}
	rows := make([]table.Row, 0, len(st.Peers))
	for _, p := range st.Peers {
		lastOK := "never"
		if !p.LastSuccess.IsZero() {
			lastOK = output.FormatTimeAgo(p.LastSuccess)
		}
		rows = append(rows, table.Row{
			p.Address,
			fmt.Sprint(p.Pending),
			fmt.Sprint(p.Delivered),
			fmt.Sprint(p.Failures),
			fmt.Sprint(p.Dropped),
			lastOK,
		})
	}
	return rows
}

func entityRows(ents []models.Entity) []table.Row {
	rows := make([]table.Row, 0, len(ents))
	for _, e := range ents {
		rows = append(rows, table.Row{
			e.ID,
			string(e.State),
			fmt.Sprint(e.Version),
			output.FormatAttributesInline(e.Attributes),
		})
	}
	return rows
}

// resizeTables fits both tables to the window, splitting the height
func (m *Model) resizeTables() {
	avail := max(m.Height-9, 4)
	m.peerTable.SetColumns(peerColumns(m.Width))
	m.entityTable.SetColumns(entityColumns(m.Width))
	m.peerTable.SetHeight(max(avail/3, 2))
	m.entityTable.SetHeight(max(avail-avail/3, 2))
}
