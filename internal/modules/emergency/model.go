// README: Emergency alert aggregate, taxonomy, and event payloads.
package emergency

import (
	"time"

	"oasis/internal/types"
)

type Type string

const (
	TypeSOSPanic     Type = "sos_panic"
	TypeAccident     Type = "accident"
	TypeMedical      Type = "medical"
	TypeHarassment   Type = "harassment"
	TypeRobbery      Type = "robbery"
	TypeMechanical   Type = "mechanical"
	TypePoliceNeeded Type = "police_needed"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusResponding Status = "responding"
	StatusResolved   Status = "resolved"
	StatusFalseAlarm Status = "false_alarm"
	StatusCancelled  Status = "cancelled"
)

// terminal reports whether the alert can no longer change.
func (s Status) terminal() bool {
	return s == StatusResolved || s == StatusFalseAlarm || s == StatusCancelled
}

// LocationPing is one position pushed while an alert is active.
type LocationPing struct {
	Position  types.Point `json:"position"`
	Timestamp time.Time   `json:"timestamp"`
}

// Alert is one emergency incident. Unlike tracking sessions, an active
// alert never expires; only explicit cancel or resolve terminates it.
type Alert struct {
	ID       types.ID `json:"id"`
	UserID   types.ID `json:"user_id"`
	UserType string   `json:"user_type"`
	RideID   types.ID `json:"ride_id,omitempty"`

	Type     Type        `json:"type"`
	Status   Status      `json:"status"`
	Location types.Point `json:"location"`
	Address  string      `json:"address,omitempty"`
	Message  string      `json:"message,omitempty"`

	LocationHistory []LocationPing `json:"location_history"`

	TriggeredAt time.Time  `json:"triggered_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  types.ID   `json:"resolved_by,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

func (a *Alert) clone() *Alert {
	cp := *a
	cp.LocationHistory = make([]LocationPing, len(a.LocationHistory))
	copy(cp.LocationHistory, a.LocationHistory)
	return &cp
}

// Event kinds on the emergency surface.
const (
	EventEmergencyAlert     = "emergency-alert"
	EventSOSActivated       = "sos-activated"
	EventSOSError           = "sos-error"
	EventEmergencyCancelled = "emergency-cancelled"
	EventEmergencyResolved  = "emergency-resolved"
)

// AlertEvent is broadcast to admins on trigger and on every location push.
type AlertEvent struct {
	Alert *Alert `json:"alert"`
}

// ActivatedEvent confirms activation back to the triggering connection.
type ActivatedEvent struct {
	EmergencyID types.ID  `json:"emergency_id"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// ResolvedEvent tells the affected user their alert was closed.
type ResolvedEvent struct {
	EmergencyID types.ID `json:"emergency_id"`
	Status      Status   `json:"status"`
	Notes       string   `json:"notes,omitempty"`
}
