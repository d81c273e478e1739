package main

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Martin-Hayot/auction-engine/pkg/types"
	"github.com/Martin-Hayot/auction-engine/pkg/utils"
)

const logLines = 15

var (
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
)

// SessionSource lists the sessions this process is running.
type SessionSource interface {
	Sessions() []types.AuctionState
}

// logBuffer collects log output for the logs view. The logger writes from many goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimRight(b.buf.String(), "\n"), "\n")
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Every(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	source    SessionSource
	now       func() time.Time
	table     table.Model
	viewport  viewport.Model
	logBuffer *logBuffer
	logs      []string
	showTable bool
	quitting  bool
}

func newDashboard(source SessionSource, logs *logBuffer, now func() time.Time) model {
	columns := []table.Column{
		{Title: "SESSION", Width: 38},
		{Title: "STATUS", Width: 10},
		{Title: "PRICE", Width: 12},
		{Title: "LEADER", Width: 20},
		{Title: "TIME LEFT", Width: 12},
		{Title: "VIEWERS", Width: 8},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	vp := viewport.New(100, logLines)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)

	m := model{
		source:    source,
		now:       now,
		table:     t,
		viewport:  vp,
		logBuffer: logs,
		showTable: true,
	}
	m.table.SetRows(m.rows())
	return m
}

func (m model) rows() []table.Row {
	sessions := m.source.Sessions()
	now := m.now()
	rows := make([]table.Row, 0, len(sessions))
	for _, st := range sessions {
		leader := "-"
		if st.LeadingUserID != "" {
			leader = st.LeadingUserID
		}
		rows = append(rows, table.Row{
			st.SessionID,
			string(st.Status),
			utils.FormatAmount(st.CurrentPrice),
			leader,
			timeLeft(st, now),
			strconv.Itoa(st.Viewers),
		})
	}
	return rows
}

func timeLeft(st types.AuctionState, now time.Time) string {
	switch st.Status {
	case types.StatusLive:
		return utils.FormatRemaining(st.EndsAt.Sub(now))
	case types.StatusScheduled:
		return "in " + utils.FormatRemaining(st.StartsAt.Sub(now))
	case types.StatusEnded:
		return "Ended"
	case types.StatusCancelled:
		return "Cancelled"
	default:
		return "-"
	}
}

func (m *model) refreshLogs() {
	if m.logBuffer == nil {
		return
	}
	m.logs = m.logBuffer.Lines()
}

func (m model) Init() tea.Cmd {
	return tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tickMsg:
		if m.showTable {
			m.table.SetRows(m.rows())
		} else {
			m.refreshLogs()
		}
		return m, tick()

	case tea.KeyMsg:
		switch msg.String() {
		case "up":
			if !m.showTable {
				m.viewport.LineUp(1)
				return m, nil
			}
		case "down":
			if !m.showTable {
				m.viewport.LineDown(1)
				return m, nil
			}
		case "tab":
			m.showTable = !m.showTable
			if !m.showTable {
				m.refreshLogs()
			}
			return m, nil
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	}

	if m.showTable {
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	}
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.quitting {
		return "Bye!\n"
	}
	help := helpStyle.Render("• tab: switch modes • q: exit\n")
	if m.showTable {
		return baseStyle.Render(m.table.View()) + "\n" + help
	}

	styled := make([]string, len(m.logs))
	copy(styled, m.logs)
	styled = utils.ColorizeLogs(styled)
	if len(styled) > logLines {
		styled = styled[len(styled)-logLines:]
	}
	m.viewport.SetContent(strings.Join(styled, "\n"))
	return m.viewport.View() + "\n" + help
}
