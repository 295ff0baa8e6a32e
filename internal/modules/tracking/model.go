// README: Tracking session aggregate and location event types.
package tracking

import (
	"time"

	"oasis/internal/maps"
	"oasis/internal/types"
)

// DriverLocation is one ingested position update. Consumed immediately;
// persistence to the history collection is best-effort.
type DriverLocation struct {
	DriverID  types.ID    `json:"driver_id"`
	Position  types.Point `json:"position"`
	Accuracy  float64     `json:"accuracy"`
	Heading   *float64    `json:"heading,omitempty"`
	Speed     *float64    `json:"speed,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Address   string      `json:"address,omitempty"`
}

// TrackingSession is the live record of one ride's real-time position and
// route state. Exactly one active session exists per ride. Mutation goes
// through the Coordinator only.
type TrackingSession struct {
	SessionID   types.ID `json:"session_id"`
	RideID      types.ID `json:"ride_id"`
	DriverID    types.ID `json:"driver_id"`
	PassengerID types.ID `json:"passenger_id"`

	Origin      types.Point `json:"origin"`
	Destination types.Point `json:"destination"`

	PlannedRoute     *maps.RouteInfo  `json:"planned_route"`
	CurrentLocation  DriverLocation   `json:"current_location"`
	ActualRoute      []DriverLocation `json:"actual_route"`
	EstimatedArrival time.Time        `json:"estimated_arrival"`

	IsActive    bool       `json:"is_active"`
	StartedAt   time.Time  `json:"started_at"`
	LastUpdate  time.Time  `json:"last_update"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Computed once, at completion, from ActualRoute.
	TotalDistanceM float64       `json:"total_distance_m"`
	TotalDuration  time.Duration `json:"total_duration"`

	// lastETARefresh bounds how often the arrival estimate is recomputed.
	lastETARefresh time.Time
}

// clone returns a snapshot safe to use outside the session lock. ActualRoute
// is copied so later appends cannot race with readers.
func (s *TrackingSession) clone() *TrackingSession {
	cp := *s
	cp.ActualRoute = make([]DriverLocation, len(s.ActualRoute))
	copy(cp.ActualRoute, s.ActualRoute)
	return &cp
}

// path projects ActualRoute onto bare coordinates.
func (s *TrackingSession) path() []types.Point {
	pts := make([]types.Point, len(s.ActualRoute))
	for i, loc := range s.ActualRoute {
		pts[i] = loc.Position
	}
	return pts
}
