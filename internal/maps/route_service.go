// README: Directions provider adapter with traffic-aware routing and ETA fallback.
package maps

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sync/atomic"
	"time"

	"googlemaps.github.io/maps"

	"oasis/internal/config"
	"oasis/internal/geo"
	"oasis/internal/types"
)

// directionsAPI is the slice of the Google Maps client the adapter uses.
// *maps.Client satisfies it; tests substitute a fake.
type directionsAPI interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// RouteStep is one maneuver of a planned route.
type RouteStep struct {
	Instruction    string        `json:"instruction"`
	DistanceMeters float64       `json:"distance_meters"`
	Duration       time.Duration `json:"duration"`
	Start          types.Point   `json:"start"`
	End            types.Point   `json:"end"`
	Polyline       string        `json:"polyline"`
}

// RouteInfo is an immutable snapshot of a planned route.
type RouteInfo struct {
	DistanceMeters float64       `json:"distance_meters"`
	Duration       time.Duration `json:"duration"`
	Polyline       string        `json:"polyline"`
	Steps          []RouteStep   `json:"steps"`
	Waypoints      []types.Point `json:"waypoints,omitempty"`
}

// RouteOptions mirrors the optional directions parameters.
type RouteOptions struct {
	Waypoints         []types.Point
	OptimizeWaypoints bool
	AvoidTolls        bool
}

// ETA is an arrival estimate. It is always populated, possibly from the
// haversine fallback when the provider is unreachable.
type ETA struct {
	Arrival        time.Time
	Duration       time.Duration
	DistanceMeters float64
}

// RouteService wraps the external directions provider. Route computation is
// advisory: callers must tolerate a nil route and fall back on DynamicETA.
type RouteService struct {
	api      directionsAPI
	region   string
	eta      config.ETAConfig
	failures atomic.Int64
}

func NewRouteService(apiKey, region string, eta config.ETAConfig) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating maps client: %w", err)
	}
	return &RouteService{api: client, region: region, eta: eta}, nil
}

func newRouteServiceWithAPI(api directionsAPI, region string, eta config.ETAConfig) *RouteService {
	return &RouteService{api: api, region: region, eta: eta}
}

var htmlTags = regexp.MustCompile(`<[^>]*>`)

// CalculateRoute asks the directions provider for a traffic-aware driving
// route. It returns (nil, err) on any provider failure; callers apply the
// haversine fallback instead of treating this as fatal.
func (s *RouteService) CalculateRoute(ctx context.Context, origin, destination types.Point, opts RouteOptions) (*RouteInfo, error) {
	r := &maps.DirectionsRequest{
		Origin:        formatPoint(origin),
		Destination:   formatPoint(destination),
		Mode:          maps.TravelModeDriving,
		DepartureTime: "now",
		TrafficModel:  maps.TrafficModelBestGuess,
		Language:      "es",
		Region:        s.region,
	}
	if len(opts.Waypoints) > 0 {
		for _, wp := range opts.Waypoints {
			r.Waypoints = append(r.Waypoints, formatPoint(wp))
		}
		r.Optimize = opts.OptimizeWaypoints
	}
	if opts.AvoidTolls {
		r.Avoid = []maps.Avoid{maps.AvoidTolls}
	}

	routes, _, err := s.api.Directions(ctx, r)
	if err != nil {
		s.failures.Add(1)
		return nil, fmt.Errorf("directions request: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		s.failures.Add(1)
		return nil, fmt.Errorf("no route between %s and %s", formatPoint(origin), formatPoint(destination))
	}
	s.failures.Store(0)

	route := routes[0]
	leg := route.Legs[0]

	duration := leg.Duration
	if leg.DurationInTraffic > 0 {
		duration = leg.DurationInTraffic
	}

	info := &RouteInfo{
		DistanceMeters: float64(leg.Distance.Meters),
		Duration:       duration,
		Polyline:       route.OverviewPolyline.Points,
		Steps:          make([]RouteStep, 0, len(leg.Steps)),
	}
	for _, step := range leg.Steps {
		info.Steps = append(info.Steps, RouteStep{
			Instruction:    htmlTags.ReplaceAllString(step.HTMLInstructions, ""),
			DistanceMeters: float64(step.Distance.Meters),
			Duration:       step.Duration,
			Start:          types.Point{Lat: step.StartLocation.Lat, Lng: step.StartLocation.Lng},
			End:            types.Point{Lat: step.EndLocation.Lat, Lng: step.EndLocation.Lng},
			Polyline:       step.Polyline.Points,
		})
	}
	if len(opts.Waypoints) > 0 {
		for _, idx := range route.WaypointOrder {
			if idx >= 0 && idx < len(opts.Waypoints) {
				info.Waypoints = append(info.Waypoints, opts.Waypoints[idx])
			}
		}
	}
	return info, nil
}

// DynamicETA estimates arrival from the current position. When the provider
// fails it degrades to straight-line distance over an assumed urban speed,
// switching to the conservative speed after repeated failures. It never fails.
func (s *RouteService) DynamicETA(ctx context.Context, from, to types.Point) ETA {
	route, err := s.CalculateRoute(ctx, from, to, RouteOptions{})
	if err == nil {
		return ETA{
			Arrival:        time.Now().Add(route.Duration),
			Duration:       route.Duration,
			DistanceMeters: route.DistanceMeters,
		}
	}
	log.Printf("maps: directions unavailable, using haversine fallback: %v", err)

	speedKmh := s.eta.FallbackSpeedKmh
	if int(s.failures.Load()) >= s.eta.DegradedAfter {
		speedKmh = s.eta.DegradedSpeedKmh
	}

	distance := geo.HaversineMeters(from, to)
	duration := time.Duration(distance / (speedKmh / 3.6) * float64(time.Second))
	return ETA{
		Arrival:        time.Now().Add(duration),
		Duration:       duration,
		DistanceMeters: distance,
	}
}

// Polyline returns the overview polyline for a route, or "" when the
// provider cannot compute one.
func (s *RouteService) Polyline(ctx context.Context, origin, destination types.Point) string {
	route, err := s.CalculateRoute(ctx, origin, destination, RouteOptions{})
	if err != nil {
		return ""
	}
	return route.Polyline
}

// AddressAt reverse-geocodes a point. Best-effort: returns "" on failure.
func (s *RouteService) AddressAt(ctx context.Context, p types.Point) string {
	results, err := s.api.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Language: "es",
	})
	if err != nil || len(results) == 0 {
		return ""
	}
	return results[0].FormattedAddress
}

func formatPoint(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
