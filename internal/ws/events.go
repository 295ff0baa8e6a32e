// README: Closed set of transport-level event kinds and payloads.
package ws

import (
	"time"

	"oasis/internal/types"
)

// Transport-level outbound event kinds. Domain events (tracking_*, sos-*,
// emergency-alert) are named by the modules that emit them.
const (
	EventAuthenticated = "authenticated"
	EventError         = "error"
	EventPong          = "pong"
	EventUserJoined    = "user-joined"
	EventUserLeft      = "user-left"

	EventIncomingCall = "incoming-call"
	EventCallAnswered = "call-answered"
	EventCallRejected = "call-rejected"
	EventCallEnded    = "call-ended"
	EventICECandidate = "ice-candidate"
)

type ErrorPayload struct {
	Message string `json:"message"`
}

type AuthenticatedPayload struct {
	UserID   types.ID `json:"user_id"`
	UserType string   `json:"user_type"`
}

type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// RoomPresencePayload announces membership changes inside a ride room.
type RoomPresencePayload struct {
	UserID   types.ID `json:"user_id"`
	UserType string   `json:"user_type"`
}

// CallSignalPayload relays call signaling between ride participants. The
// core does not interpret the signal body.
type CallSignalPayload struct {
	RideID types.ID `json:"ride_id,omitempty"`
	From   types.ID `json:"from"`
	Signal any      `json:"signal,omitempty"`
}
