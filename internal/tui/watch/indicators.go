package watch

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"

	"github.com/mattjoyce/pmgate/internal/events"
)

// staleAfter is how old the last /healthz answer may be before the pulse
// stops claiming to know the child's status.
const staleAfter = 15 * time.Second

// Pulse is the header glyph for the child. It animates only while the child
// is starting and shows "?" when health polling has stalled.
type Pulse struct {
	frames []string
	index  int
}

func NewPulse() Pulse {
	return Pulse{frames: spinner.MiniDot.Frames}
}

func (p *Pulse) Tick() {
	p.index = (p.index + 1) % len(p.frames)
}

func (p Pulse) Glyph(status string, lastCheck, now time.Time) string {
	if lastCheck.IsZero() || now.Sub(lastCheck) > staleAfter {
		return "?"
	}
	switch status {
	case "starting":
		return p.frames[p.index]
	case "started":
		return "●"
	case "crashed":
		return "✗"
	default:
		return "○"
	}
}

func (p Pulse) Render(status string, lastCheck time.Time, theme Theme) string {
	glyph := p.Glyph(status, lastCheck, time.Now())
	if glyph == "?" {
		return theme.Dim.Render(glyph)
	}
	return theme.StatusStyle(status).Render(glyph)
}

const (
	activityWindow = 10 * time.Second
	restartWindow  = 5 * time.Minute
	activityDots   = 5
)

// Activity remembers recent lifecycle events: how busy the stream is and
// how often the child has been (re)started, which exposes crash loops.
type Activity struct {
	seen      []time.Time
	starts    []time.Time
	lastEvent time.Time
}

func NewActivity() Activity {
	return Activity{}
}

func (a *Activity) Record(e events.Event) {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	a.lastEvent = at
	a.seen = append(pruneBefore(a.seen, at.Add(-activityWindow)), at)
	if e.Type == events.TypeStart {
		a.starts = append(pruneBefore(a.starts, at.Add(-restartWindow)), at)
	}
}

// Dots is the number of events in the last activityWindow, capped.
func (a Activity) Dots(now time.Time) int {
	return min(countSince(a.seen, now.Add(-activityWindow)), activityDots)
}

// Starts counts spawns in the last restartWindow.
func (a Activity) Starts(now time.Time) int {
	return countSince(a.starts, now.Add(-restartWindow))
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}

func (a Activity) Render(theme Theme) string {
	lit := a.Dots(time.Now())
	var b strings.Builder
	for i := range activityDots {
		if i < lit {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}
