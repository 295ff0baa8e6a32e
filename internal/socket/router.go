// README: Inbound socket event router; decodes typed commands for the coordinators.
package socket

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"oasis/internal/modules/emergency"
	"oasis/internal/modules/tracking"
	"oasis/internal/types"
	"oasis/internal/ws"
)

// Inbound event kinds.
const (
	eventAuthenticate      = "authenticate"
	eventJoinRide          = "join-ride"
	eventLeaveRide         = "leave-ride"
	eventUpdateLocation    = "update-location"
	eventSOSTrigger        = "sos-trigger"
	eventEmergencyLocation = "emergency-location-update"
	eventCallRequest       = "call-request"
	eventCallAnswer        = "call-answer"
	eventCallReject        = "call-reject"
	eventCallEnd           = "call-end"
	eventICECandidate      = "ice-candidate"
	eventPing              = "ping"
)

type authenticatePayload struct {
	UserID   types.ID `json:"user_id"`
	UserType string   `json:"user_type"`
}

type ridePayload struct {
	RideID types.ID `json:"ride_id"`
}

type locationPayload struct {
	RideID   types.ID `json:"ride_id,omitempty"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy float64  `json:"accuracy,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
}

type sosPayload struct {
	Type    emergency.Type `json:"type,omitempty"`
	RideID  types.ID       `json:"ride_id,omitempty"`
	Lat     float64        `json:"lat"`
	Lng     float64        `json:"lng"`
	Message string         `json:"message,omitempty"`
}

type emergencyLocationPayload struct {
	EmergencyID types.ID `json:"emergency_id"`
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
}

type callPayload struct {
	To     types.ID `json:"to"`
	RideID types.ID `json:"ride_id,omitempty"`
	Signal any      `json:"signal,omitempty"`
}

// Router turns inbound socket messages into coordinator calls. It is the
// only place that knows both the wire event names and the domain services.
type Router struct {
	hub         *ws.Hub
	tracking    *tracking.Coordinator
	emergencies *emergency.Coordinator
}

func NewRouter(hub *ws.Hub, trk *tracking.Coordinator, em *emergency.Coordinator) *Router {
	return &Router{hub: hub, tracking: trk, emergencies: em}
}

// Handle implements ws.MessageHandler.
func (r *Router) Handle(c *ws.Client, event string, data json.RawMessage) {
	if event == eventAuthenticate {
		r.authenticate(c, data)
		return
	}
	// Everything else requires an identified connection. The connection
	// stays open so the client can retry within the grace period.
	if !c.Authenticated() {
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "authentication required"})
		return
	}

	ctx := context.Background()
	switch event {
	case eventJoinRide:
		r.joinRide(c, data)
	case eventLeaveRide:
		r.leaveRide(c, data)
	case eventUpdateLocation:
		r.updateLocation(ctx, c, data)
	case eventSOSTrigger:
		r.triggerSOS(ctx, c, data)
	case eventEmergencyLocation:
		r.emergencyLocation(ctx, c, data)
	case eventCallRequest:
		r.relayCall(c, data, ws.EventIncomingCall)
	case eventCallAnswer:
		r.relayCall(c, data, ws.EventCallAnswered)
	case eventCallReject:
		r.relayCall(c, data, ws.EventCallRejected)
	case eventCallEnd:
		r.relayCall(c, data, ws.EventCallEnded)
	case eventICECandidate:
		r.relayCall(c, data, ws.EventICECandidate)
	case eventPing:
		c.Reply(ws.EventPong, ws.PongPayload{Timestamp: time.Now()})
	default:
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "unknown event: " + event})
	}
}

func (r *Router) authenticate(c *ws.Client, data json.RawMessage) {
	var p authenticatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "authenticate requires user_id and user_type"})
		return
	}
	switch p.UserType {
	case ws.UserTypeDriver, ws.UserTypePassenger, ws.UserTypeAdmin:
	default:
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "unknown user_type: " + p.UserType})
		return
	}

	c.Authenticate(p.UserID, p.UserType)
	c.Reply(ws.EventAuthenticated, ws.AuthenticatedPayload{UserID: p.UserID, UserType: p.UserType})
	log.Printf("socket: %s connected as %s", p.UserID, p.UserType)
}

func (r *Router) joinRide(c *ws.Client, data json.RawMessage) {
	var p ridePayload
	if err := json.Unmarshal(data, &p); err != nil || p.RideID == "" {
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "join-ride requires ride_id"})
		return
	}
	room := ws.RideRoom(p.RideID)
	r.hub.JoinRoom(c, room)
	r.hub.EmitToRoom(room, ws.EventUserJoined, ws.RoomPresencePayload{UserID: c.UserID, UserType: c.UserType})
}

func (r *Router) leaveRide(c *ws.Client, data json.RawMessage) {
	var p ridePayload
	if err := json.Unmarshal(data, &p); err != nil || p.RideID == "" {
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "leave-ride requires ride_id"})
		return
	}
	room := ws.RideRoom(p.RideID)
	r.hub.LeaveRoom(c, room)
	r.hub.EmitToRoom(room, ws.EventUserLeft, ws.RoomPresencePayload{UserID: c.UserID, UserType: c.UserType})
}

func (r *Router) updateLocation(ctx context.Context, c *ws.Client, data json.RawMessage) {
	var p locationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "malformed update-location"})
		return
	}
	r.tracking.UpdateLocation(ctx, tracking.UpdateCommand{
		DriverID: c.UserID,
		RideID:   p.RideID,
		Position: types.Point{Lat: p.Lat, Lng: p.Lng},
		Accuracy: p.Accuracy,
		Heading:  p.Heading,
		Speed:    p.Speed,
	})
}

func (r *Router) triggerSOS(ctx context.Context, c *ws.Client, data json.RawMessage) {
	var p sosPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "malformed sos-trigger"})
		return
	}
	_, err := r.emergencies.TriggerSOS(ctx, emergency.TriggerCommand{
		UserID:   c.UserID,
		UserType: c.UserType,
		RideID:   p.RideID,
		Type:     p.Type,
		Location: types.Point{Lat: p.Lat, Lng: p.Lng},
		Message:  p.Message,
	})
	if err != nil {
		log.Printf("socket: sos-trigger from %s failed: %v", c.UserID, err)
		c.Reply(emergency.EventSOSError, ws.ErrorPayload{
			Message: "SOS activation failed, call local emergency services directly",
		})
	}
}

func (r *Router) emergencyLocation(ctx context.Context, c *ws.Client, data json.RawMessage) {
	var p emergencyLocationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.EmergencyID == "" {
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "emergency-location-update requires emergency_id"})
		return
	}
	if _, err := r.emergencies.UpdateLocation(ctx, p.EmergencyID, types.Point{Lat: p.Lat, Lng: p.Lng}); err != nil {
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "no active emergency " + string(p.EmergencyID)})
	}
}

// relayCall passes call signaling to the target user without interpreting
// the signal body.
func (r *Router) relayCall(c *ws.Client, data json.RawMessage, outbound string) {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil || p.To == "" {
		c.Reply(ws.EventError, ws.ErrorPayload{Message: "call signaling requires a target user"})
		return
	}
	r.hub.EmitToUser(p.To, outbound, ws.CallSignalPayload{
		RideID: p.RideID,
		From:   c.UserID,
		Signal: p.Signal,
	})
}
