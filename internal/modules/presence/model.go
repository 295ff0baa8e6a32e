// README: Driver presence types.
package presence

import (
	"time"

	"oasis/internal/types"
)

// DriverPresence is a driver's general last-known state, independent of any
// ride. It outlives tracking sessions and feeds dispatch queries.
type DriverPresence struct {
	DriverID  types.ID    `json:"driver_id"`
	Position  types.Point `json:"position"`
	Heading   *float64    `json:"heading,omitempty"`
	Speed     *float64    `json:"speed,omitempty"`
	Online    bool        `json:"online"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NearbyDriver is one result of a radius query, closest first.
type NearbyDriver struct {
	DriverID   types.ID    `json:"driver_id"`
	Position   types.Point `json:"position"`
	DistanceKm float64     `json:"distance_km"`
}
