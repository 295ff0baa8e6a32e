// README: Common identifiers and geographic value objects used across modules.
package types

// ID is an opaque entity identifier (ride, driver, passenger, session).
type ID string

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
