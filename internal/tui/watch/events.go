package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pmgate/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeReady, events.TypeQueueFlushed:
		typeStyle = theme.StatusOK
	case events.TypeStartFailed, events.TypeQueueReject:
		typeStyle = theme.StatusFailed
	case events.TypeStart:
		typeStyle = theme.StatusRunning
	case events.TypeExit, events.TypeConfigChanged:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-24s", e.Type))

	// Extract brief description from data
	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s", ts, typeName, desc)
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if gen, ok := data["generation"].(string); ok && gen != "" {
		if len(gen) > 8 {
			gen = gen[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", gen))
	}

	if from, ok := data["from"].(string); ok {
		to, _ := data["to"].(string)
		parts = append(parts, from+" → "+to)
	}

	for _, key := range []string{"trigger", "status", "reason"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}

	for _, key := range []string{"pid", "port", "exit_code", "count"} {
		if v, ok := data[key].(float64); ok {
			parts = append(parts, fmt.Sprintf("%s=%d", key, int(v)))
		}
	}

	if msg, ok := data["error"].(string); ok && msg != "" {
		parts = append(parts, msg)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
