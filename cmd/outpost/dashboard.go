package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"outpost/pkg/dispatch"
	"outpost/pkg/pool"
)

// tickMsg is sent by Bubble Tea on every tick interval, triggering a data
// refresh from the state database.
type tickMsg time.Time

// dispatchesMsg carries freshly loaded dispatch rows.
type dispatchesMsg []dispatch.Record

// poolMsg carries freshly loaded pool slot rows.
type poolMsg []pool.TaskRecord

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// dashModel is the Bubble Tea model for the outpost dashboard.
type dashModel struct {
	dispatches *dispatch.Store
	slots      *pool.Store

	table     table.Model
	poolStats map[pool.SlotStatus]int
	theme     Theme

	width  int
	height int
	err    error
}

func newDashModel(dispatches *dispatch.Store, slots *pool.Store) dashModel {
	theme := DefaultTheme()

	columns := []table.Column{
		{Title: "Dispatch", Width: 36},
		{Title: "Status", Width: 10},
		{Title: "Agent", Width: 8},
		{Title: "User", Width: 12},
		{Title: "Started", Width: 20},
	}

	t := table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(15))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(theme.Primary)
	styles.Selected = styles.Selected.Foreground(theme.Secondary).Bold(true)
	t.SetStyles(styles)

	return dashModel{
		dispatches: dispatches,
		slots:      slots,
		table:      t,
		poolStats:  map[pool.SlotStatus]int{},
		theme:      theme,
	}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.fetchDispatchesCmd(), m.fetchPoolCmd(), tickCmd())
}

// fetchDispatchesCmd loads the latest dispatches in the background.
func (m dashModel) fetchDispatchesCmd() tea.Cmd {
	return func() tea.Msg {
		recs, err := m.dispatches.List(context.Background(), dispatch.ListOpts{Limit: 100})
		if err != nil {
			return dispatchesMsg(nil)
		}
		return dispatchesMsg(recs)
	}
}

// fetchPoolCmd loads the latest pool slots in the background.
func (m dashModel) fetchPoolCmd() tea.Cmd {
	return func() tea.Msg {
		recs, err := m.slots.List(context.Background(), "")
		if err != nil {
			return poolMsg(nil)
		}
		return poolMsg(recs)
	}
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(m.fetchDispatchesCmd(), m.fetchPoolCmd())
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(maxInt(5, m.height-8))

	case tickMsg:
		return m, tea.Batch(m.fetchDispatchesCmd(), m.fetchPoolCmd(), tickCmd())

	case dispatchesMsg:
		rows := make([]table.Row, 0, len(msg))
		for _, rec := range msg {
			rows = append(rows, table.Row{
				rec.DispatchID,
				string(rec.Status),
				rec.AgentType,
				rec.UserID,
				rec.StartedAt.Format("2006-01-02 15:04:05"),
			})
		}
		m.table.SetRows(rows)

	case poolMsg:
		stats := map[pool.SlotStatus]int{}
		for _, rec := range msg {
			stats[rec.Status]++
		}
		m.poolStats = stats
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m dashModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).Render("outpost dispatches")

	poolLine := fmt.Sprintf("pool: %d idle / %d in use / %d terminating",
		m.poolStats[pool.SlotIdle], m.poolStats[pool.SlotInUse], m.poolStats[pool.SlotTerminating])
	poolLine = lipgloss.NewStyle().Foreground(m.theme.Muted).Render(poolLine)

	help := lipgloss.NewStyle().Foreground(m.theme.Muted).Render("r refresh · q quit")

	return lipgloss.JoinVertical(lipgloss.Left, title, "", m.table.View(), "", poolLine, help)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
