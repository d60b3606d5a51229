// Package runs is an interactive table of recent child generations served
// by GET /api/runs.
package runs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pmgate/internal/history"
)

const refreshInterval = 5 * time.Second

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusDead    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

type runsMsg []history.Run
type errMsg error

// Model browses the run history.
type Model struct {
	apiURL string
	apiKey string
	limit  int

	width  int
	height int

	runs      []history.Run
	table     table.Model
	lastFetch time.Time
	lastError string
}

// New creates a browser that fetches up to limit runs.
func New(apiURL, apiKey string, limit int) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Generation", Width: 10},
			{Title: "Trigger", Width: 8},
			{Title: "PID", Width: 7},
			{Title: "Port", Width: 6},
			{Title: "Started", Width: 19},
			{Title: "Ready in", Width: 10},
			{Title: "Lifetime", Width: 10},
			{Title: "Exit", Width: 5},
		}),
		table.WithFocused(true),
		table.WithHeight(15),
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

	return &Model{
		apiURL: apiURL,
		apiKey: apiKey,
		limit:  limit,
		table:  t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tea.EnterAltScreen)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "g":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		m.table.SetHeight(max(m.height-10, 5))

	case runsMsg:
		m.runs = msg
		m.lastFetch = time.Now()
		m.lastError = ""
		m.table.SetRows(Rows(m.runs, time.Now()))
		return m, m.scheduleFetch()

	case errMsg:
		m.lastError = msg.Error()
		return m, m.scheduleFetch()
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading runs..."
	}

	status := fmt.Sprintf(" %d runs", len(m.runs))
	if !m.lastFetch.IsZero() {
		status += fmt.Sprintf(" • refreshed %s", m.lastFetch.Format("15:04:05"))
	}
	if m.lastError != "" {
		status = statusFailed.Render(" ⚠ " + m.lastError)
	}

	body := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Runs"),
			m.table.View(),
			status,
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll • [g] Refresh")
	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, body, help))
}

// Rows renders runs as table rows, newest first as returned by the API.
func Rows(runs []history.Run, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		gen := r.Generation
		if len(gen) > 8 {
			gen = gen[:8]
		}

		port := "-"
		if r.Port != nil {
			port = strconv.Itoa(*r.Port)
		}

		ready := "-"
		if r.ReadyAt != nil {
			ready = r.ReadyAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}

		end := now
		if r.ExitedAt != nil {
			end = *r.ExitedAt
		}
		lifetime := end.Sub(r.StartedAt).Round(time.Second).String()

		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}

		rows = append(rows, table.Row{
			statusSymbol(r.Status),
			gen,
			r.Trigger,
			strconv.Itoa(r.PID),
			port,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			ready,
			lifetime,
			exit,
		})
	}
	return rows
}

func statusSymbol(status string) string {
	switch status {
	case "started":
		return statusOK.Render("●")
	case "starting":
		return statusRunning.Render("◉")
	case "crashed":
		return statusFailed.Render("∅")
	case "stopped", "replaced":
		return statusDead.Render("○")
	default:
		return "?"
	}
}

// --- Commands ---

func (m Model) scheduleFetch() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return m.fetch()()
	})
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		runs, err := Fetch(m.apiURL, m.apiKey, m.limit)
		if err != nil {
			return errMsg(err)
		}
		return runsMsg(runs)
	}
}

// Fetch calls GET /api/runs. It is shared with the plain-text runs command.
func Fetch(apiURL, apiKey string, limit int) ([]history.Run, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	url := apiURL + "/api/runs"
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return nil, fmt.Errorf("list runs: %s", body.Error)
	}

	var out struct {
		Runs []history.Run `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return out.Runs, nil
}
