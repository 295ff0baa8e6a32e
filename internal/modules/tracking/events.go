// README: Tracking event kinds and their typed payloads.
package tracking

import (
	"time"

	"oasis/internal/maps"
	"oasis/internal/types"
)

const (
	EventTrackingStarted   = "tracking_started"
	EventLocationUpdated   = "location_updated"
	EventRouteRecalculated = "route_recalculated"
	EventTrackingCompleted = "tracking_completed"
	// EventDriverLocation carries the raw position for map rendering in
	// the ride room.
	EventDriverLocation = "driver-location"
)

type StartedEvent struct {
	SessionID        types.ID        `json:"session_id"`
	RideID           types.ID        `json:"ride_id"`
	PlannedRoute     *maps.RouteInfo `json:"planned_route"`
	EstimatedArrival time.Time       `json:"estimated_arrival"`
	CurrentLocation  DriverLocation  `json:"current_location"`
}

type LocationEvent struct {
	SessionID        types.ID       `json:"session_id"`
	RideID           types.ID       `json:"ride_id"`
	Location         DriverLocation `json:"location"`
	EstimatedArrival time.Time      `json:"estimated_arrival"`
}

type RerouteEvent struct {
	SessionID        types.ID        `json:"session_id"`
	RideID           types.ID        `json:"ride_id"`
	NewRoute         *maps.RouteInfo `json:"new_route"`
	EstimatedArrival time.Time       `json:"estimated_arrival"`
	DeviationMeters  float64         `json:"deviation_meters"`
}

type CompletedEvent struct {
	SessionID      types.ID      `json:"session_id"`
	RideID         types.ID      `json:"ride_id"`
	TotalDistanceM float64       `json:"total_distance_m"`
	TotalDuration  time.Duration `json:"total_duration"`
	CompletedAt    time.Time     `json:"completed_at"`
	Reason         string        `json:"reason,omitempty"`
}
