package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pmgate/internal/supervisor"
)

// HealthState tracks gateway health from /healthz polling.
type HealthState struct {
	Status            string
	UptimeSeconds     int64
	ConfigFingerprint string
	Process           supervisor.Snapshot
	Connected         bool
	LastCheck         time.Time
}

func renderHeader(health HealthState, pulse Pulse, activity Activity, theme Theme, width int) string {
	innerWidth := width - 4

	// Status
	statusText := theme.StatusOK.Render("HEALTHY")
	statusIcon := "✅"
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render(strings.ToUpper(health.Status))
		statusIcon = "⚠️"
	}

	uptime := time.Duration(health.UptimeSeconds) * time.Second
	uptimeStr := formatDuration(uptime)

	lastEventStr := "never"
	if !activity.LastEvent().IsZero() {
		ago := time.Since(activity.LastEvent()).Round(time.Second)
		lastEventStr = fmt.Sprintf("%s ago", ago)
	}

	pulseStr := pulse.Render(health.Process.Status.String(), health.LastCheck, theme)
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" PMGATE WATCH %s", pulseStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	fingerprint := health.ConfigFingerprint
	if len(fingerprint) > 12 {
		fingerprint = fingerprint[:12]
	}
	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Config: %s",
		statusIcon, statusText,
		uptimeStr,
		theme.Dim.Render(fingerprint),
	)

	starts := activity.Starts(time.Now())
	startsStr := fmt.Sprintf("%d", starts)
	if starts > 1 {
		startsStr = theme.StatusRunning.Render(startsStr)
	}
	activityLine := fmt.Sprintf(" Last event: %s %s  Starts (5m): %s",
		lastEventStr,
		activity.Render(theme),
		startsStr,
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
