// Package geo contains pure geographic computation helpers.
package geo

import (
	"math"

	"oasis/internal/types"
)

const earthRadiusM = 6371000.0

// HaversineMeters returns the great-circle distance in meters between two
// points specified in decimal degrees.
func HaversineMeters(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusM * c
}

// Bearing returns the initial great-circle bearing from a to b in degrees,
// normalized to [0, 360).
func Bearing(a, b types.Point) float64 {
	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(rLat2)
	x := math.Cos(rLat1)*math.Sin(rLat2) -
		math.Sin(rLat1)*math.Cos(rLat2)*math.Cos(dLng)

	deg := math.Atan2(y, x) * 180.0 / math.Pi
	return math.Mod(deg+360.0, 360.0)
}

// PathMeters returns the cumulative haversine length of an ordered path.
// Paths with fewer than two points have zero length.
func PathMeters(path []types.Point) float64 {
	var total float64
	for i := 1; i < len(path); i++ {
		total += HaversineMeters(path[i-1], path[i])
	}
	return total
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
