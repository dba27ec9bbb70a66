// Package ui is a terminal "top" for an activityhub server, fed by the push
// stream.
package ui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/hub"
)

// Follower is the part of client.Client the viewer needs.
type Follower interface {
	Follow(ctx context.Context, backoff time.Duration, handle func(hub.Message) error) error
}

type frameMsg hub.Message

type streamEndedMsg struct {
	err error
}

type tickMsg time.Time

type model struct {
	server string
	state  *state
	now    func() time.Time

	width     int
	height    int
	connected bool
	paused    bool
	lastErr   error
	lastFrame time.Time

	liveTable   table.Model
	filterInput textinput.Model
	filtering   bool
	spinner     spinner.Model
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// Run shows the viewer until the user quits or ctx is done.
func Run(ctx context.Context, server string, follower Follower) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(newModel(server, time.Now), tea.WithAltScreen(), tea.WithContext(ctx))
	go func() {
		err := follower.Follow(ctx, 2*time.Second, func(msg hub.Message) error {
			program.Send(frameMsg(msg))
			return nil
		})
		program.Send(streamEndedMsg{err: err})
	}()

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func newModel(server string, now func() time.Time) model {
	liveTable := table.New(
		table.WithColumns(liveColumns(100)),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	liveTable.SetStyles(styles)

	filterInput := textinput.New()
	filterInput.Prompt = "Filter: "
	filterInput.Placeholder = "label or kind"

	return model{
		server:      server,
		state:       newState(),
		now:         now,
		liveTable:   liveTable,
		filterInput: filterInput,
		spinner:     spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func liveColumns(width int) []table.Column {
	label := max(20, width-14-18-10-4)
	return []table.Column{
		{Title: "Kind", Width: 18},
		{Title: "Label", Width: label},
		{Title: "Elapsed", Width: 10},
		{Title: "ID", Width: 14},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.liveTable.SetColumns(liveColumns(typed.Width))
		m.liveTable.SetWidth(typed.Width)
		m.liveTable.SetHeight(max(5, typed.Height/2-4))
		return m, nil
	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(typed)
		}
		switch typed.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "/":
			m.filtering = true
			m.filterInput.Focus()
			return m, textinput.Blink
		case "p":
			m.paused = !m.paused
			m.refresh()
			return m, nil
		case "esc":
			m.filterInput.SetValue("")
			m.refresh()
			return m, nil
		}
		var cmd tea.Cmd
		m.liveTable, cmd = m.liveTable.Update(msg)
		return m, cmd
	case frameMsg:
		message := hub.Message(typed)
		m.connected = true
		m.lastErr = nil
		m.lastFrame = m.now()
		m.state.apply(message)
		if !m.paused {
			m.refresh()
		}
		return m, nil
	case streamEndedMsg:
		m.connected = false
		m.lastErr = typed.err
		return m, nil
	case tickMsg:
		if !m.paused {
			m.refresh()
		}
		return m, tickCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter", "esc":
		m.filtering = false
		m.filterInput.Blur()
		if msg.String() == "esc" {
			m.filterInput.SetValue("")
		}
		m.refresh()
		return m, nil
	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.filterInput, cmd = m.filterInput.Update(msg)
	m.refresh()
	return m, cmd
}

func (m *model) refresh() {
	now := m.now()
	live := m.state.liveSorted(m.filterInput.Value())
	rows := make([]table.Row, 0, len(live))
	for _, activity := range live {
		rows = append(rows, table.Row{
			string(activity.Kind),
			activity.Label,
			formatSeconds(now.Sub(activity.StartedAt).Seconds()),
			shortID(activity.ID),
		})
	}
	m.liveTable.SetRows(rows)
}

func (m model) View() string {
	sections := []string{
		titleStyle.Render("activityhub top") + "  " + mutedStyle.Render(m.server),
		m.viewStatus(),
		m.viewHeader(),
		"",
		sectionStyle.Render(fmt.Sprintf("Live (%d)", len(m.state.live))),
		m.liveTable.View(),
		"",
		sectionStyle.Render("Recent"),
		m.viewRecent(),
	}
	if agents := m.viewAgents(); agents != "" {
		sections = append(sections, "", sectionStyle.Render("Agents"), agents)
	}
	if m.filtering || m.filterInput.Value() != "" {
		sections = append(sections, "", m.filterInput.View())
	}
	sections = append(sections, "", mutedStyle.Render("q quit  / filter  esc clear  p pause  ↑/↓ scroll"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m model) viewStatus() string {
	switch {
	case m.connected && m.paused:
		return warnStyle.Render("paused") + mutedStyle.Render(fmt.Sprintf("  %d updates", m.state.updates))
	case m.connected:
		return okStyle.Render("● streaming") + mutedStyle.Render(fmt.Sprintf("  %d updates", m.state.updates))
	case m.lastErr != nil:
		return errStyle.Render("disconnected: " + m.lastErr.Error())
	default:
		return m.spinner.View() + " connecting…"
	}
}

func (m model) viewHeader() string {
	stats := m.state.stats
	line := fmt.Sprintf("started %d  completed %d  failed %d  cancelled %d  avg %ss",
		stats.ActivitiesStarted, stats.ActivitiesCompleted, stats.ActivitiesFailed,
		stats.ActivitiesCancelled, formatSeconds(stats.AverageDuration))
	if sample := m.state.sample; sample != nil {
		line += fmt.Sprintf("  |  cpu %.1f%%  mem %.0fMB  disk %.0fMB  procs %d",
			sample.CPUUsage, sample.MemoryUsage, sample.DiskUsage, sample.ActiveProcesses)
	}
	return line
}

func (m model) viewRecent() string {
	rows := max(3, m.height/4)
	recent := m.state.recentNewest(m.filterInput.Value(), rows)
	if len(recent) == 0 {
		return mutedStyle.Render("nothing finished yet")
	}
	lines := make([]string, 0, len(recent))
	for _, activity := range recent {
		duration := "-"
		if activity.Duration != nil {
			duration = formatSeconds(activity.Duration.Seconds()) + "s"
		}
		line := fmt.Sprintf("%-9s %-18s %8s  %s", activity.Status, activity.Kind, duration, activity.Label)
		switch activity.Status {
		case domain.StatusFailed:
			line = errStyle.Render(line)
		case domain.StatusCancelled:
			line = warnStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m model) viewAgents() string {
	if len(m.state.agents) == 0 {
		return ""
	}
	names := make([]string, 0, len(m.state.agents))
	for name := range m.state.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		agent := m.state.agents[name]
		lines = append(lines, fmt.Sprintf("%-20s ok %-5d fail %-5d avg %ss  tokens %d",
			name, agent.TasksCompleted, agent.TasksFailed, formatSeconds(agent.AverageResponseTime), agent.TokenUsage))
	}
	return strings.Join(lines, "\n")
}

func formatSeconds(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	if seconds < 10 {
		return fmt.Sprintf("%.2f", seconds)
	}
	return fmt.Sprintf("%.0f", seconds)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
