package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published on the hub.
const (
	TypeStatus       = "supervisor.status"
	TypeStart        = "supervisor.start"
	TypeStartFailed  = "supervisor.start_failed"
	TypeReady        = "supervisor.ready"
	TypeExit         = "supervisor.exit"
	TypeQueueFlushed = "queue.flushed"
	TypeQueueReject  = "queue.rejected"

	// TypeConfigChanged means the config file on disk no longer matches
	// the loaded one. Nothing is reloaded.
	TypeConfigChanged = "config.changed"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a bounded backlog for late subscribers.
type Hub struct {
	nextID atomic.Int64

	mu      sync.Mutex
	backlog []Event
	head    int // index of the oldest event once the backlog is full
	full    bool

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		backlog: make([]Event, 0, capacity),
		subs:    make(map[int]chan Event),
	}
}

// Publish stamps and fans out an event. Slow subscribers miss events rather
// than block the publisher.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.remember(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener. The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// SnapshotSince returns backlog events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.backlog))
	for i := range h.backlog {
		ev := h.backlog[(h.head+i)%len(h.backlog)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) remember(ev Event) {
	if !h.full {
		h.backlog = append(h.backlog, ev)
		h.full = len(h.backlog) == cap(h.backlog)
		return
	}
	h.backlog[h.head] = ev
	h.head = (h.head + 1) % len(h.backlog)
}
