package watch

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pmgate/internal/events"
)

const maxEventLog = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	health      HealthState
	generations []*GenerationState
	eventLog    []events.Event

	// Live indicators
	pulse    Pulse
	activity Activity

	// UI state
	theme    Theme
	selected int

	// Communication
	hubEvents chan events.Event

	// Status bar
	lastError  string
	lastAction string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		pulse:     NewPulse(),
		activity:  NewActivity(),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.generations)-1 {
				m.selected++
			}
		case "r":
			m.lastAction = "restart requested..."
			return m, postAction(m.apiURL, m.apiKey, "restart")
		case "s":
			m.lastAction = "stop requested..."
			return m, postAction(m.apiURL, m.apiKey, "stop")
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.pulse.Tick()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}

		m.activity.Record(e)
		m.generations = updateGenerations(m.generations, e)
		if m.selected >= len(m.generations) {
			m.selected = max(len(m.generations)-1, 0)
		}

		m.health.Connected = true
		m.lastError = ""

		// Lifecycle changes move the snapshot; refresh it now rather than
		// waiting for the next poll.
		return m, tea.Batch(
			receiveNextEvent(m.hubEvents),
			refreshHealth(m.apiURL),
		)

	case refreshMsg:
		m.applyHealth(healthMsg(msg))

	case healthMsg:
		m.applyHealth(msg)
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case actionMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
			m.lastAction = ""
			return m, nil
		}
		m.lastAction = msg.action + " accepted"
		return m, refreshHealth(m.apiURL)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The existing receiveNextEvent goroutine keeps waiting on the
		// channel and picks up events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	return m, nil
}

func (m *Model) applyHealth(h healthMsg) {
	m.health.Status = h.Status
	m.health.UptimeSeconds = h.UptimeSeconds
	m.health.ConfigFingerprint = h.ConfigFingerprint
	if h.Process != nil {
		m.health.Process = *h.Process
	}
	m.health.Connected = true
	m.health.LastCheck = time.Now()
	m.lastError = ""
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to pmgate..."
	}

	header := renderHeader(m.health, m.pulse, m.activity, m.theme, m.width)
	process := renderProcess(m.health.Process, m.theme, m.width)
	generations := renderGenerations(m.generations, m.selected, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, process, generations, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	} else if m.lastAction != "" {
		parts = append(parts, m.theme.Highlight.Render(" "+m.lastAction))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Generations • [r] Restart • [s] Stop")
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
