package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cjeanneret/TetherGo/internal/logic/control"
)

// wireEvent is the serialized form of a controller event on the SSE stream.
type wireEvent struct {
	Time string `json:"t"`
	control.Event
}

// EventBroadcaster distributes status events to multiple SSE clients.
type EventBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewEventBroadcaster creates a new broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives serialized events and a cleanup
// function. The caller must call the returned cleanup when done (e.g. on
// client disconnect).
func (b *EventBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends an event to all subscribed clients. Slow clients may miss
// events (non-blocking, buffered).
func (b *EventBroadcaster) Broadcast(e control.Event) {
	data, err := json.Marshal(wireEvent{
		Time:  time.Now().Format(time.RFC3339),
		Event: e,
	})
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}
