// README: Connection registry; one live transport per user, room-scoped broadcast.
package ws

import (
	"encoding/json"
	"log"
	"sync"

	"oasis/internal/types"
)

// Role-scoped room names. Ride and user rooms are derived per entity.
const (
	RoomAdmins     = "admins"
	RoomDrivers    = "drivers"
	RoomPassengers = "passengers"
)

func RideRoom(rideID types.ID) string {
	return "ride-" + string(rideID)
}

func UserRoom(userID types.ID) string {
	return "user-" + string(userID)
}

// Hub tracks one live connection per identified user plus room memberships.
// All sends are non-blocking: a slow consumer gets dropped messages, never a
// stalled coordinator.
type Hub struct {
	mu    sync.RWMutex
	users map[types.ID]*Client
	rooms map[string]map[*Client]struct{}

	// onDriverOffline fires when a connection identified as a driver goes
	// away. Wired to presence at startup.
	onDriverOffline func(types.ID)
}

func NewHub() *Hub {
	return &Hub{
		users: make(map[types.ID]*Client),
		rooms: make(map[string]map[*Client]struct{}),
	}
}

// SetDriverOfflineHook registers the side effect for driver disconnects.
func (h *Hub) SetDriverOfflineHook(fn func(types.ID)) {
	h.onDriverOffline = fn
}

// bind associates an authenticated client with its identity and default
// rooms. A reconnecting user replaces the prior transport.
func (h *Hub) bind(c *Client) {
	h.mu.Lock()
	prior := h.users[c.UserID]
	h.users[c.UserID] = c
	h.mu.Unlock()

	if prior != nil && prior != c {
		h.detach(prior, false)
		prior.closeSend()
		log.Printf("ws: replaced connection for user %s", c.UserID)
	}

	h.JoinRoom(c, UserRoom(c.UserID))
	switch c.UserType {
	case UserTypeAdmin:
		h.JoinRoom(c, RoomAdmins)
	case UserTypeDriver:
		h.JoinRoom(c, RoomDrivers)
	default:
		h.JoinRoom(c, RoomPassengers)
	}
}

// remove drops a disconnecting client and runs the driver-offline side
// effect when applicable.
func (h *Hub) remove(c *Client) {
	h.detach(c, true)

	if c.Authenticated() && c.UserType == UserTypeDriver && h.onDriverOffline != nil {
		h.onDriverOffline(c.UserID)
	}
}

// detach removes the client from the user map (when current) and all rooms.
func (h *Hub) detach(c *Client, unmap bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if unmap {
		if cur, ok := h.users[c.UserID]; ok && cur == c {
			delete(h.users, c.UserID)
		}
	}
	for room, members := range h.rooms {
		if _, ok := members[c]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

func (h *Hub) JoinRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

func (h *Hub) LeaveRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// EmitToRoom broadcasts an event to every member of a room. Best-effort:
// disconnected or slow members are skipped.
func (h *Hub) EmitToRoom(room, event string, payload any) {
	msg, err := Envelope(event, payload)
	if err != nil {
		log.Printf("ws: marshal %s: %v", event, err)
		return
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if !c.trySend(msg) {
			log.Printf("ws: dropped %s to user %s in %s", event, c.UserID, room)
		}
	}
}

// EmitToUser sends an event to one identified user, if connected.
func (h *Hub) EmitToUser(userID types.ID, event string, payload any) {
	h.mu.RLock()
	c := h.users[userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}

	msg, err := Envelope(event, payload)
	if err != nil {
		log.Printf("ws: marshal %s: %v", event, err)
		return
	}
	if !c.trySend(msg) {
		log.Printf("ws: dropped %s to user %s", event, userID)
	}
}

// BroadcastToAdmins sends a high-priority event to the admins room.
func (h *Hub) BroadcastToAdmins(event string, payload any) {
	h.EmitToRoom(RoomAdmins, event, payload)
}

func (h *Hub) IsUserOnline(userID types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[userID]
	return ok
}

func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Envelope wraps an event kind and its typed payload into the wire format.
func Envelope(event string, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: payload})
}
