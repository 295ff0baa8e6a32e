// README: Tracking coordinator; session lifecycle, deviation detection, ETA refresh, reaper.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"oasis/internal/config"
	"oasis/internal/geo"
	"oasis/internal/maps"
	"oasis/internal/types"
	"oasis/internal/ws"
)

var (
	ErrSessionExists = errors.New("ride already has an active tracking session")
	ErrNotFound      = errors.New("tracking session not found")
)

// closeRetries bounds durable-flush attempts at completion. Completion
// durability is best-effort, not transactional.
const closeRetries = 3

// Broadcaster is the slice of the connection hub the coordinator emits
// through. Sends are fire-and-forget.
type Broadcaster interface {
	EmitToRoom(room, event string, payload any)
	EmitToUser(userID types.ID, event string, payload any)
}

// RoutePlanner is the directions provider surface the coordinator depends
// on. Satisfied by maps.RouteService.
type RoutePlanner interface {
	CalculateRoute(ctx context.Context, origin, destination types.Point, opts maps.RouteOptions) (*maps.RouteInfo, error)
	DynamicETA(ctx context.Context, from, to types.Point) maps.ETA
}

// Presence records a driver's general last-known location, independent of
// any ride.
type Presence interface {
	Update(ctx context.Context, driverID types.ID, p types.Point, heading, speed *float64) error
}

// SessionStore is the durable collaborator. Failures are logged and never
// surfaced to callers; in-memory state stays authoritative.
type SessionStore interface {
	PutSession(ctx context.Context, sess *TrackingSession) error
	UpdateProgress(ctx context.Context, sessionID types.ID, loc DriverLocation, eta time.Time, newRoute *maps.RouteInfo) error
	CloseSession(ctx context.Context, sessionID types.ID, completedAt time.Time, totalDistanceM float64, totalDuration time.Duration) error
	AppendLocation(ctx context.Context, loc DriverLocation, rideID types.ID) error
	GetActiveSessionByRide(ctx context.Context, rideID types.ID) (*TrackingSession, error)
}

// StartCommand carries everything needed to open a tracking session.
type StartCommand struct {
	RideID          types.ID
	DriverID        types.ID
	PassengerID     types.ID
	Origin          types.Point
	Destination     types.Point
	InitialLocation DriverLocation
}

// UpdateCommand is one ingested driver position. RideID is empty for
// off-ride updates, which still refresh presence.
type UpdateCommand struct {
	DriverID types.ID
	RideID   types.ID
	Position types.Point
	Accuracy float64
	Heading  *float64
	Speed    *float64
}

// Coordinator owns every active TrackingSession. No other component
// mutates a session directly.
type Coordinator struct {
	registry *Registry
	store    SessionStore
	routes   RoutePlanner
	presence Presence
	hub      Broadcaster
	cfg      config.TrackingConfig

	now func() time.Time
}

func NewCoordinator(store SessionStore, routes RoutePlanner, presence Presence, hub Broadcaster, cfg config.TrackingConfig) *Coordinator {
	return &Coordinator{
		registry: NewRegistry(),
		store:    store,
		routes:   routes,
		presence: presence,
		hub:      hub,
		cfg:      cfg,
		now:      time.Now,
	}
}

// StartSession opens tracking for a ride. At most one active session per
// ride; a second start fails with ErrSessionExists and leaves the first
// untouched. Route computation is advisory: a provider failure degrades to
// the haversine estimate, it never fails the start.
func (c *Coordinator) StartSession(ctx context.Context, cmd StartCommand) (*TrackingSession, error) {
	if _, ok := c.registry.SessionIDByRide(cmd.RideID); ok {
		return nil, ErrSessionExists
	}

	route, err := c.routes.CalculateRoute(ctx, cmd.Origin, cmd.Destination, maps.RouteOptions{})
	if err != nil {
		log.Printf("tracking: route for ride %s unavailable, using estimate: %v", cmd.RideID, err)
		eta := c.routes.DynamicETA(ctx, cmd.Origin, cmd.Destination)
		route = &maps.RouteInfo{DistanceMeters: eta.DistanceMeters, Duration: eta.Duration}
	}

	now := c.now()
	loc := cmd.InitialLocation
	if loc.Timestamp.IsZero() {
		loc.Timestamp = now
	}
	if loc.DriverID == "" {
		loc.DriverID = cmd.DriverID
	}

	sess := &TrackingSession{
		SessionID:        types.ID(fmt.Sprintf("tracking_%s_%d", cmd.RideID, now.UnixMilli())),
		RideID:           cmd.RideID,
		DriverID:         cmd.DriverID,
		PassengerID:      cmd.PassengerID,
		Origin:           cmd.Origin,
		Destination:      cmd.Destination,
		PlannedRoute:     route,
		CurrentLocation:  loc,
		EstimatedArrival: now.Add(route.Duration),
		IsActive:         true,
		StartedAt:        now,
		LastUpdate:       now,
		lastETARefresh:   now,
	}

	if err := c.registry.Insert(sess); err != nil {
		return nil, err
	}

	snap := sess.clone()
	if err := c.store.PutSession(ctx, snap); err != nil {
		log.Printf("tracking: persisting session %s: %v", snap.SessionID, err)
	}

	started := StartedEvent{
		SessionID:        snap.SessionID,
		RideID:           snap.RideID,
		PlannedRoute:     snap.PlannedRoute,
		EstimatedArrival: snap.EstimatedArrival,
		CurrentLocation:  snap.CurrentLocation,
	}
	c.hub.EmitToRoom(ws.RideRoom(snap.RideID), EventTrackingStarted, started)
	c.hub.EmitToUser(snap.PassengerID, EventTrackingStarted, started)

	log.Printf("tracking: session %s started for ride %s", snap.SessionID, snap.RideID)
	return snap, nil
}

// UpdateLocation ingests one driver position. Presence is refreshed
// unconditionally; session state only when the ride has an active session.
// Broadcast and persistence act on a snapshot taken under the session lock,
// so slow I/O never stalls concurrent updates.
func (c *Coordinator) UpdateLocation(ctx context.Context, cmd UpdateCommand) {
	now := c.now()
	loc := DriverLocation{
		DriverID:  cmd.DriverID,
		Position:  cmd.Position,
		Accuracy:  cmd.Accuracy,
		Heading:   cmd.Heading,
		Speed:     cmd.Speed,
		Timestamp: now,
	}

	if err := c.presence.Update(ctx, cmd.DriverID, cmd.Position, cmd.Heading, cmd.Speed); err != nil {
		log.Printf("tracking: presence update for driver %s: %v", cmd.DriverID, err)
	}
	if err := c.store.AppendLocation(ctx, loc, cmd.RideID); err != nil {
		log.Printf("tracking: appending location for driver %s: %v", cmd.DriverID, err)
	}

	if cmd.RideID == "" {
		return
	}
	sessionID, ok := c.registry.SessionIDByRide(cmd.RideID)
	if !ok {
		return
	}

	var refreshETA bool
	snap, ok := c.registry.Mutate(sessionID, func(s *TrackingSession) {
		s.ActualRoute = append(s.ActualRoute, loc)
		s.CurrentLocation = loc
		s.LastUpdate = now
		refreshETA = now.Sub(s.lastETARefresh) >= c.cfg.ETARecalcInterval
	})
	if !ok {
		return
	}

	c.hub.EmitToRoom(ws.RideRoom(snap.RideID), EventDriverLocation, loc)

	if deviation, deviated := c.deviationMeters(snap); deviated {
		c.replanRoute(ctx, sessionID, snap, deviation)
		return
	}

	eta := snap.EstimatedArrival
	if refreshETA {
		est := c.routes.DynamicETA(ctx, loc.Position, snap.Destination)
		if updated, ok := c.registry.Mutate(sessionID, func(s *TrackingSession) {
			s.EstimatedArrival = est.Arrival
			s.lastETARefresh = now
		}); ok {
			eta = updated.EstimatedArrival
		}
	}

	event := LocationEvent{
		SessionID:        snap.SessionID,
		RideID:           snap.RideID,
		Location:         loc,
		EstimatedArrival: eta,
	}
	c.hub.EmitToRoom(ws.RideRoom(snap.RideID), EventLocationUpdated, event)
	c.hub.EmitToUser(snap.PassengerID, EventLocationUpdated, event)

	if err := c.store.UpdateProgress(ctx, sessionID, loc, eta, nil); err != nil {
		log.Printf("tracking: mirroring session %s: %v", sessionID, err)
	}
}

// deviationMeters reports how far past the planned distance the driver's
// straight-line distance to destination has drifted. This is a cheap proxy
// for off-route, not map-matching; minor detours can go undetected.
func (c *Coordinator) deviationMeters(snap *TrackingSession) (float64, bool) {
	if snap.PlannedRoute == nil {
		return 0, false
	}
	distToDest := geo.HaversineMeters(snap.CurrentLocation.Position, snap.Destination)
	excess := distToDest - snap.PlannedRoute.DistanceMeters
	return excess, excess > c.cfg.MaxDeviationMeters
}

// replanRoute recomputes the route from the current position and swaps
// plannedRoute and estimatedArrival atomically.
func (c *Coordinator) replanRoute(ctx context.Context, sessionID types.ID, snap *TrackingSession, deviation float64) {
	from := snap.CurrentLocation.Position
	route, err := c.routes.CalculateRoute(ctx, from, snap.Destination, maps.RouteOptions{})
	if err != nil {
		log.Printf("tracking: re-plan for session %s unavailable, using estimate: %v", sessionID, err)
		eta := c.routes.DynamicETA(ctx, from, snap.Destination)
		route = &maps.RouteInfo{DistanceMeters: eta.DistanceMeters, Duration: eta.Duration}
	}

	now := c.now()
	arrival := now.Add(route.Duration)
	updated, ok := c.registry.Mutate(sessionID, func(s *TrackingSession) {
		s.PlannedRoute = route
		s.EstimatedArrival = arrival
		s.lastETARefresh = now
	})
	if !ok {
		return
	}

	event := RerouteEvent{
		SessionID:        updated.SessionID,
		RideID:           updated.RideID,
		NewRoute:         route,
		EstimatedArrival: arrival,
		DeviationMeters:  deviation,
	}
	c.hub.EmitToRoom(ws.RideRoom(updated.RideID), EventRouteRecalculated, event)
	c.hub.EmitToUser(updated.PassengerID, EventRouteRecalculated, event)
	log.Printf("tracking: session %s re-planned, deviation %.0fm", sessionID, deviation)

	if err := c.store.UpdateProgress(ctx, sessionID, updated.CurrentLocation, arrival, route); err != nil {
		log.Printf("tracking: mirroring session %s: %v", sessionID, err)
	}
}

// StopTracking retires a session and freezes its totals. Idempotent: a
// second stop is a no-op returning false.
func (c *Coordinator) StopTracking(ctx context.Context, sessionID types.ID, reason string) bool {
	var already bool
	snap, ok := c.registry.Mutate(sessionID, func(s *TrackingSession) {
		if !s.IsActive {
			already = true
			return
		}
		now := c.now()
		s.IsActive = false
		s.CompletedAt = &now
		s.TotalDistanceM = geo.PathMeters(s.path())
		s.TotalDuration = now.Sub(s.StartedAt)
	})
	if !ok || already {
		return false
	}

	event := CompletedEvent{
		SessionID:      snap.SessionID,
		RideID:         snap.RideID,
		TotalDistanceM: snap.TotalDistanceM,
		TotalDuration:  snap.TotalDuration,
		CompletedAt:    *snap.CompletedAt,
		Reason:         reason,
	}
	c.hub.EmitToRoom(ws.RideRoom(snap.RideID), EventTrackingCompleted, event)
	c.hub.EmitToUser(snap.PassengerID, EventTrackingCompleted, event)

	var err error
	for attempt := 0; attempt < closeRetries; attempt++ {
		if err = c.store.CloseSession(ctx, sessionID, *snap.CompletedAt, snap.TotalDistanceM, snap.TotalDuration); err == nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	if err != nil {
		log.Printf("tracking: giving up on durable close for session %s: %v", sessionID, err)
	}

	c.registry.Remove(sessionID)
	log.Printf("tracking: session %s stopped (%s), %.0fm in %s", sessionID, reason, snap.TotalDistanceM, snap.TotalDuration)
	return true
}

// Session returns a snapshot of an active session.
func (c *Coordinator) Session(sessionID types.ID) (*TrackingSession, error) {
	snap, ok := c.registry.Snapshot(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

// SessionByRide resolves the active session for a ride, falling back to
// the durable store so lookups survive a process restart.
func (c *Coordinator) SessionByRide(ctx context.Context, rideID types.ID) (*TrackingSession, error) {
	if sessionID, ok := c.registry.SessionIDByRide(rideID); ok {
		if snap, ok := c.registry.Snapshot(sessionID); ok {
			return snap, nil
		}
	}
	return c.store.GetActiveSessionByRide(ctx, rideID)
}

// ActiveSessions reports how many sessions are live.
func (c *Coordinator) ActiveSessions() int {
	return c.registry.Len()
}

// RunReaper sweeps on a fixed interval, forcibly stopping sessions that
// have gone quiet. Emergencies live elsewhere and are never reaped.
func (c *Coordinator) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	now := c.now()
	for _, sessionID := range c.registry.ActiveSessionIDs() {
		snap, ok := c.registry.Snapshot(sessionID)
		if !ok {
			continue
		}
		if now.Sub(snap.LastUpdate) > c.cfg.InactivityTimeout {
			log.Printf("tracking: session %s inactive since %s, reaping", sessionID, snap.LastUpdate.Format(time.RFC3339))
			c.StopTracking(ctx, sessionID, "inactive")
		}
	}
}
