package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pmgate/internal/events"
	"github.com/mattjoyce/pmgate/internal/supervisor"
)

const maxGenerations = 8

// GenerationState tracks one child generation discovered from events.
type GenerationState struct {
	ID        string
	PID       int
	Trigger   string
	Status    string
	Port      int
	ExitCode  *int
	StartedAt time.Time
	ReadyAt   time.Time
	ExitedAt  time.Time
	Error     string
}

// updateGenerations applies a lifecycle event to gens (newest first) and
// returns the updated slice.
func updateGenerations(gens []*GenerationState, e events.Event) []*GenerationState {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	id, _ := data["generation"].(string)
	if id == "" {
		return gens
	}

	g := findGeneration(gens, id)
	if g == nil {
		if e.Type != events.TypeStart && e.Type != events.TypeStartFailed {
			return gens
		}
		g = &GenerationState{ID: id, StartedAt: e.At}
		gens = append([]*GenerationState{g}, gens...)
		if len(gens) > maxGenerations {
			gens = gens[:maxGenerations]
		}
	}

	switch e.Type {
	case events.TypeStart:
		g.Status = string(supervisor.StatusStarting)
		g.PID = intField(data, "pid")
		g.Trigger, _ = data["trigger"].(string)
	case events.TypeStartFailed:
		g.Status = string(supervisor.StatusCrashed)
		g.Trigger, _ = data["trigger"].(string)
		g.Error, _ = data["error"].(string)
	case events.TypeReady:
		g.Status = string(supervisor.StatusStarted)
		g.Port = intField(data, "port")
		g.ReadyAt = e.At
	case events.TypeExit:
		if status, ok := data["status"].(string); ok {
			g.Status = status
		}
		if _, ok := data["exit_code"]; ok {
			code := intField(data, "exit_code")
			g.ExitCode = &code
		}
		g.ExitedAt = e.At
	}
	return gens
}

func findGeneration(gens []*GenerationState, id string) *GenerationState {
	for _, g := range gens {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// JSON numbers decode as float64.
func intField(data map[string]any, key string) int {
	if v, ok := data[key].(float64); ok {
		return int(v)
	}
	return 0
}

func renderProcess(snap supervisor.Snapshot, theme Theme, width int) string {
	innerWidth := width - 4

	status := string(snap.Status)
	if status == "" {
		status = "unknown"
	}

	var fields []string
	fields = append(fields, theme.StatusStyle(status).Render(strings.ToUpper(status)))
	if snap.Port > 0 {
		fields = append(fields, fmt.Sprintf("port %d", snap.Port))
	}
	if snap.PID > 0 {
		fields = append(fields, fmt.Sprintf("pid %d", snap.PID))
	}
	if snap.ExitCode != nil {
		fields = append(fields, fmt.Sprintf("exit %d", *snap.ExitCode))
	}
	fields = append(fields, fmt.Sprintf("queued %d", snap.QueueDepth))

	lines := []string{" " + strings.Join(fields, "  ")}
	if snap.Generation != "" {
		lines = append(lines, theme.Dim.Render(" generation "+snap.Generation))
	}
	if snap.LastError != "" {
		lines = append(lines, theme.StatusFailed.Render(" "+snap.LastError))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("PROCESS")}, lines...)...,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderGenerations(gens []*GenerationState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(gens) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("GENERATIONS"),
			theme.Dim.Render("  No child spawned yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Title.Render("GENERATIONS")}
	for i, g := range gens {
		lines = append(lines, renderGenerationRow(g, i == selected, theme))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderGenerationRow(g *GenerationState, isSelected bool, theme Theme) string {
	id := g.ID
	if len(id) > 8 {
		id = id[:8]
	}

	nameStyle := lipgloss.NewStyle()
	if isSelected {
		nameStyle = nameStyle.Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	}

	status := theme.StatusStyle(g.Status).Render(fmt.Sprintf("%-9s", g.Status))
	started := theme.Dim.Render(formatAgo(time.Since(g.StartedAt).Round(time.Second)))

	var line strings.Builder
	fmt.Fprintf(&line, " %s  %s  %-8s  %s", nameStyle.Render(id), status, g.Trigger, started)
	if g.Port > 0 {
		fmt.Fprintf(&line, "  :%d", g.Port)
	}
	if g.ExitCode != nil {
		fmt.Fprintf(&line, "  exit %d", *g.ExitCode)
	}

	// Details under the selected row.
	if isSelected {
		if !g.ReadyAt.IsZero() {
			fmt.Fprintf(&line, "\n    └─ ready after %s", g.ReadyAt.Sub(g.StartedAt).Round(time.Millisecond))
		}
		if g.Error != "" {
			fmt.Fprintf(&line, "\n    └─ %s", theme.StatusFailed.Render(g.Error))
		}
	}
	return line.String()
}
