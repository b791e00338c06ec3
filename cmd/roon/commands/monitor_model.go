// ABOUTME: Bubbletea model rendering a live roon.Event feed
package commands

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Ramblurr/roon-go/internal/discovery"
	"github.com/Ramblurr/roon-go/pkg/roon"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// eventMsg wraps a roon.Event as a tea.Msg.
type eventMsg roon.Event

type logLine struct {
	at   time.Time
	text string
}

const maxLogLines = 12

// monitorModel is the TUI state for `roon monitor`.
type monitorModel struct {
	host, coreName, coreVersion string
	status                      roon.Status
	logs                        []logLine
	width, height               int
}

func newMonitorModel(host string) monitorModel {
	return monitorModel{host: host, status: roon.StatusDisconnected}
}

func (m monitorModel) Init() tea.Cmd {
	return nil
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case eventMsg:
		m.applyEvent(roon.Event(msg))
	}
	return m, nil
}

func (m *monitorModel) applyEvent(ev roon.Event) {
	switch ev.Kind {
	case roon.EventRegistered, roon.EventReconnected:
		m.status = roon.StatusConnected
		if data, ok := ev.Data.(roon.RegisteredData); ok {
			m.coreName, m.coreVersion = data.DisplayName, data.DisplayVersion
		}
		m.pushLog(fmt.Sprintf("%s: %s", ev.Kind, m.coreName))
	case roon.EventDisconnected:
		m.status = roon.StatusDisconnected
		if data, ok := ev.Data.(roon.DisconnectedData); ok {
			m.pushLog(fmt.Sprintf("Disconnected: %s", data.Reason))
		}
	case roon.EventReconnecting:
		m.status = roon.StatusConnecting
		if data, ok := ev.Data.(roon.ReconnectingData); ok {
			m.pushLog(fmt.Sprintf("Reconnecting: attempt %d in %dms", data.Attempt, data.BackoffMS))
		}
	case roon.EventZonesSubscribed, roon.EventOutputsSubscribed, roon.EventQueueSubscribed:
		m.pushLog(fmt.Sprintf("subscribed: %s", ev.Kind))
	case roon.EventZonesChanged, roon.EventZonesAdded, roon.EventZonesRemoved, roon.EventZonesSeekChanged,
		roon.EventOutputsChanged, roon.EventOutputsAdded, roon.EventOutputsRemoved, roon.EventQueueChanged:
		m.pushLog(fmt.Sprintf("update: %s", ev.Kind))
	case roon.EventCoreFound, roon.EventCoreLost:
		if c, ok := ev.Data.(discovery.Core); ok {
			m.pushLog(fmt.Sprintf("%s: %s (%s:%d)", ev.Kind, c.Name, c.Host, c.Port))
		} else {
			m.pushLog(fmt.Sprintf("%s", ev.Kind))
		}
	default:
		m.pushLog(fmt.Sprintf("%s", ev.Kind))
	}
}

func (m *monitorModel) pushLog(text string) {
	m.logs = append(m.logs, logLine{at: time.Now(), text: text})
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
}

func (m monitorModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	statusText := dimStyle.Render(string(m.status))
	switch m.status {
	case roon.StatusConnected:
		statusText = okStyle.Render(string(m.status))
	case roon.StatusConnecting:
		statusText = warnStyle.Render(string(m.status))
	}

	var b strings.Builder
	fmt.Fprintln(&b, headerStyle.Render(fmt.Sprintf("roon monitor — %s", m.host)))
	fmt.Fprintf(&b, "status:  %s\n", statusText)
	fmt.Fprintf(&b, "core:    %s %s\n\n", m.coreName, m.coreVersion)
	fmt.Fprintln(&b, headerStyle.Render("events"))
	for _, line := range m.logs {
		fmt.Fprintf(&b, "%s  %s\n", dimStyle.Render(line.at.Format("15:04:05")), line.text)
	}
	fmt.Fprintln(&b, "\n"+dimStyle.Render("press q to quit"))
	return b.String()
}
