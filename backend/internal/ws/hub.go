package ws

import (
	"sync"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/protocol"
)

// Hub tracks which connections are in which document room.
type Hub struct {
	// optional; shares membership and cursors across relay instances
	presence cache.PresenceCache
	mu       sync.RWMutex
	// docID -> connections; a user may have several tabs open
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave removes c from the room and returns how many connections remain.
func (h *Hub) Leave(docID string, c *Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[docID]
	if !ok {
		return 0
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, docID)
	}
	return len(conns)
}

func (h *Hub) Members(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

// Broadcast queues msg on every connection in the room except one. It never
// blocks, so callers may hold a document lock to keep fan-out ordered.
func (h *Hub) Broadcast(docID string, except *Conn, msg protocol.ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[docID] {
		if c != except {
			c.SendMessage_Enqueue(msg)
		}
	}
}
