package services

import (
	"sync"
)

const clientBuffer = 32

// Event is a frame pushed to websocket clients.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// RealtimeHub fans events out to every open connection of a user.
type RealtimeHub struct {
	mu      sync.RWMutex
	clients map[uint]map[chan Event]struct{}
}

func NewRealtimeHub() *RealtimeHub {
	return &RealtimeHub{clients: make(map[uint]map[chan Event]struct{})}
}

// Hub is shared by the websocket route and the notification fan-out.
var Hub = NewRealtimeHub()

// Subscribe registers a connection for userID. The returned func must be
// called when the connection closes.
func (h *RealtimeHub) Subscribe(userID uint) (<-chan Event, func()) {
	ch := make(chan Event, clientBuffer)

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[chan Event]struct{})
	}
	h.clients[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients[userID], ch)
			if len(h.clients[userID]) == 0 {
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish never blocks; a connection whose buffer is full misses the event.
func (h *RealtimeHub) Publish(userID uint, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for ch := range h.clients[userID] {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *RealtimeHub) Connections(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
