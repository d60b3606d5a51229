package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/pmgate/internal/events"
	"github.com/mattjoyce/pmgate/internal/supervisor"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status            string               `json:"status"`
	UptimeSeconds     int64                `json:"uptime_seconds"`
	ConfigFingerprint string               `json:"config_fingerprint"`
	Process           *supervisor.Snapshot `json:"process"`
}

// refreshMsg is an out-of-band health result; unlike healthMsg it does not
// schedule the next poll.
type refreshMsg healthMsg

type actionMsg struct {
	action string
	err    error
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents connects to the SSE /events endpoint and feeds events
// into the provided channel. Returns sseDisconnectedMsg when the connection drops.
func subscribeToEvents(apiURL, apiKey string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{}
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		scanner := bufio.NewScanner(resp.Body)
		var current events.Event
		for scanner.Scan() {
			line := scanner.Text()

			if line == "" {
				if current.Data != nil {
					current.At = time.Now()
					ch <- current
					current = events.Event{}
				}
				continue
			}

			switch {
			case strings.HasPrefix(line, "id: "):
				if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
					current.ID = id
				}
			case strings.HasPrefix(line, "event: "):
				current.Type = line[7:]
			case strings.HasPrefix(line, "data: "):
				current.Data = []byte(line[6:])
			}
		}

		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint. A 503 still carries a body.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}

func refreshHealth(apiURL string) tea.Cmd {
	return func() tea.Msg {
		if h, ok := fetchHealth(apiURL).(healthMsg); ok {
			return refreshMsg(h)
		}
		return nil
	}
}

// postAction calls one of the process admin endpoints (restart or stop).
func postAction(apiURL, apiKey, action string) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 10 * time.Second}
		req, err := http.NewRequest(http.MethodPost, apiURL+"/api/process/"+action, nil)
		if err != nil {
			return actionMsg{action: action, err: err}
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return actionMsg{action: action, err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			var body struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if body.Error == "" {
				body.Error = resp.Status
			}
			return actionMsg{action: action, err: fmt.Errorf("%s: %s", action, body.Error)}
		}
		return actionMsg{action: action}
	}
}
