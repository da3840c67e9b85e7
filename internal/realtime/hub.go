package realtime

import (
	"log/slog"
	"sync"
)

// Hub tracks the websocket clients attached to this process and the meeting
// room each one is in.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]*client
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]*client),
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

// remove detaches c and reports whether it was still registered. After
// remove returns no broadcast can reach c.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] != c {
		return false
	}
	delete(h.clients, c.id)
	h.leaveRoomLocked(c)
	return true
}

// attach moves c into the room of meetingID.
func (h *Hub) attach(c *client, meetingID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.meetingID == meetingID {
		return
	}
	h.leaveRoomLocked(c)
	room := h.rooms[meetingID]
	if room == nil {
		room = make(map[string]*client)
		h.rooms[meetingID] = room
	}
	room[c.id] = c
	c.meetingID = meetingID
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	h.leaveRoomLocked(c)
	h.mu.Unlock()
}

func (h *Hub) leaveRoomLocked(c *client) {
	if c.meetingID == "" {
		return
	}
	if room := h.rooms[c.meetingID]; room != nil {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, c.meetingID)
		}
	}
	c.meetingID = ""
}

// Broadcast sends a message to every client in the meeting room.
func (h *Hub) Broadcast(meetingID, kind string, payload any) {
	h.BroadcastExcept(meetingID, "", kind, payload)
}

// BroadcastExcept sends a message to the room, skipping exceptConnID. It
// returns the number of clients the message was queued for.
func (h *Hub) BroadcastExcept(meetingID, exceptConnID, kind string, payload any) int {
	data, err := encode(kind, payload)
	if err != nil {
		h.logger.Error("encode broadcast failed", "kind", kind, "error", err)
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for id, c := range h.rooms[meetingID] {
		if id == exceptConnID {
			continue
		}
		if c.enqueue(data) {
			delivered++
		} else {
			h.logger.Debug("client send queue full", "conn_id", id, "kind", kind)
		}
	}
	return delivered
}

// Send queues a message for a single connection. It reports false when the
// connection is not attached to this process or its queue is full.
func (h *Hub) Send(connID, kind string, payload any) bool {
	data, err := encode(kind, payload)
	if err != nil {
		h.logger.Error("encode message failed", "kind", kind, "error", err)
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	return c.enqueue(data)
}

// Disconnect sends a final error frame to connID and closes it.
func (h *Hub) Disconnect(connID, reason string) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.shutdown(reason)
	return true
}

// CloseAll closes every attached connection.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.shutdown(reason)
	}
}

// Connections reports the number of attached clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize reports how many local clients are attached to meetingID.
func (h *Hub) RoomSize(meetingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[meetingID])
}
