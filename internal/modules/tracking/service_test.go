package tracking

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"oasis/internal/config"
	"oasis/internal/geo"
	"oasis/internal/maps"
	"oasis/internal/types"
)

var (
	lima      = types.Point{Lat: -12.0464, Lng: -77.0428}
	sanIsidro = types.Point{Lat: -12.0969, Lng: -77.0365}
)

type emitted struct {
	Target  string
	Event   string
	Payload any
}

type fakeHub struct {
	mu     sync.Mutex
	events []emitted
}

func (h *fakeHub) EmitToRoom(room, event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, emitted{Target: room, Event: event, Payload: payload})
}

func (h *fakeHub) EmitToUser(userID types.ID, event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, emitted{Target: "user:" + string(userID), Event: event, Payload: payload})
}

func (h *fakeHub) last(event string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Event == event {
			return h.events[i].Payload, true
		}
	}
	return nil, false
}

func (h *fakeHub) count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type fakeRoutes struct {
	route     *maps.RouteInfo
	err       error
	calls     int
	now       func() time.Time
	fallbacks int
}

func (r *fakeRoutes) CalculateRoute(ctx context.Context, origin, destination types.Point, opts maps.RouteOptions) (*maps.RouteInfo, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.route, nil
}

func (r *fakeRoutes) DynamicETA(ctx context.Context, from, to types.Point) maps.ETA {
	r.fallbacks++
	distance := geo.HaversineMeters(from, to)
	duration := time.Duration(distance / (40.0 / 3.6) * float64(time.Second))
	return maps.ETA{Arrival: r.now().Add(duration), Duration: duration, DistanceMeters: distance}
}

type fakeStore struct {
	mu       sync.Mutex
	puts     int
	appends  int
	closes   int
	closeErr error
	recover  *TrackingSession
}

func (s *fakeStore) PutSession(ctx context.Context, sess *TrackingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	return nil
}

func (s *fakeStore) UpdateProgress(ctx context.Context, sessionID types.ID, loc DriverLocation, eta time.Time, newRoute *maps.RouteInfo) error {
	return nil
}

func (s *fakeStore) CloseSession(ctx context.Context, sessionID types.ID, completedAt time.Time, totalDistanceM float64, totalDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.closeErr
}

func (s *fakeStore) AppendLocation(ctx context.Context, loc DriverLocation, rideID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	return nil
}

func (s *fakeStore) GetActiveSessionByRide(ctx context.Context, rideID types.ID) (*TrackingSession, error) {
	if s.recover == nil || s.recover.RideID != rideID {
		return nil, ErrNotFound
	}
	return s.recover, nil
}

type fakePresence struct {
	mu      sync.Mutex
	updates int
}

func (p *fakePresence) Update(ctx context.Context, driverID types.ID, pt types.Point, heading, speed *float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates++
	return nil
}

type testRig struct {
	coord    *Coordinator
	hub      *fakeHub
	routes   *fakeRoutes
	store    *fakeStore
	presence *fakePresence
	clock    *time.Time
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &base

	hub := &fakeHub{}
	routes := &fakeRoutes{
		route: &maps.RouteInfo{DistanceMeters: 6000, Duration: 900 * time.Second, Polyline: "abc"},
		now:   func() time.Time { return *clock },
	}
	store := &fakeStore{}
	presence := &fakePresence{}

	cfg := config.TrackingConfig{
		MaxDeviationMeters: 500,
		ETARecalcInterval:  30 * time.Second,
		ReaperInterval:     5 * time.Minute,
		InactivityTimeout:  10 * time.Minute,
	}
	coord := NewCoordinator(store, routes, presence, hub, cfg)
	coord.now = func() time.Time { return *clock }
	return &testRig{coord: coord, hub: hub, routes: routes, store: store, presence: presence, clock: clock}
}

func (r *testRig) advance(d time.Duration) {
	*r.clock = r.clock.Add(d)
}

func (r *testRig) start(t *testing.T, rideID types.ID) *TrackingSession {
	t.Helper()
	sess, err := r.coord.StartSession(context.Background(), StartCommand{
		RideID:      rideID,
		DriverID:    "driver-1",
		PassengerID: "passenger-1",
		Origin:      lima,
		Destination: sanIsidro,
		InitialLocation: DriverLocation{
			DriverID: "driver-1",
			Position: lima,
			Accuracy: 5,
		},
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return sess
}

// pointAtMetersNorth walks straight north from p. Pure latitude displacement
// makes the haversine distance exact, which the boundary tests rely on.
func pointAtMetersNorth(p types.Point, meters float64) types.Point {
	const earthRadiusM = 6371000
	dLat := meters / earthRadiusM * 180 / math.Pi
	return types.Point{Lat: p.Lat + dLat, Lng: p.Lng}
}

// lerp interpolates between two points. Good enough for city-scale tests.
func lerp(a, b types.Point, f float64) types.Point {
	return types.Point{Lat: a.Lat + (b.Lat-a.Lat)*f, Lng: a.Lng + (b.Lng-a.Lng)*f}
}

func TestStartSessionLimaScenario(t *testing.T) {
	rig := newTestRig(t)
	sess := rig.start(t, "ride-lima")

	wantETA := rig.clock.Add(900 * time.Second)
	if !sess.EstimatedArrival.Equal(wantETA) {
		t.Fatalf("EstimatedArrival = %v, want %v", sess.EstimatedArrival, wantETA)
	}
	if sess.PlannedRoute.DistanceMeters != 6000 {
		t.Fatalf("planned distance = %v, want 6000", sess.PlannedRoute.DistanceMeters)
	}
	if got := rig.hub.count(EventTrackingStarted); got != 2 {
		t.Fatalf("tracking_started emissions = %d, want 2 (room + passenger)", got)
	}

	// Three on-route updates advancing toward the destination.
	for i, f := range []float64{0.3, 0.6, 0.9} {
		rig.advance(5 * time.Second)
		rig.coord.UpdateLocation(context.Background(), UpdateCommand{
			DriverID: "driver-1",
			RideID:   "ride-lima",
			Position: lerp(lima, sanIsidro, f),
			Accuracy: 5,
		})
		snap, err := rig.coord.Session(sess.SessionID)
		if err != nil {
			t.Fatalf("Session after update %d: %v", i, err)
		}
		if len(snap.ActualRoute) != i+1 {
			t.Fatalf("ActualRoute length = %d after update %d, want %d", len(snap.ActualRoute), i, i+1)
		}
	}
	if got := rig.hub.count(EventRouteRecalculated); got != 0 {
		t.Fatalf("route_recalculated after on-route updates = %d, want 0", got)
	}

	// Fourth update 800m further from the destination than planned.
	rig.advance(5 * time.Second)
	rig.coord.UpdateLocation(context.Background(), UpdateCommand{
		DriverID: "driver-1",
		RideID:   "ride-lima",
		Position: pointAtMetersNorth(sanIsidro, 6800),
		Accuracy: 5,
	})
	if got := rig.hub.count(EventRouteRecalculated); got != 2 {
		t.Fatalf("route_recalculated emissions = %d, want 2 (room + passenger)", got)
	}
}

func TestStartSessionRejectsSecondActiveForRide(t *testing.T) {
	rig := newTestRig(t)
	first := rig.start(t, "ride-1")

	_, err := rig.coord.StartSession(context.Background(), StartCommand{
		RideID:      "ride-1",
		DriverID:    "driver-2",
		PassengerID: "passenger-2",
		Origin:      lima,
		Destination: sanIsidro,
	})
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("second start error = %v, want ErrSessionExists", err)
	}

	snap, err := rig.coord.Session(first.SessionID)
	if err != nil {
		t.Fatalf("first session gone after rejected start: %v", err)
	}
	if snap.DriverID != "driver-1" {
		t.Fatalf("first session mutated: driver = %s", snap.DriverID)
	}
}

func TestStartSessionFallsBackWhenProviderFails(t *testing.T) {
	rig := newTestRig(t)
	rig.routes.err = errors.New("provider down")

	sess := rig.start(t, "ride-offline")
	if rig.routes.fallbacks == 0 {
		t.Fatal("expected haversine fallback to be used")
	}
	if !sess.EstimatedArrival.After(*rig.clock) {
		t.Fatalf("fallback ETA %v not after now %v", sess.EstimatedArrival, *rig.clock)
	}
	// ~5.65km at 40 km/h is a bit over 8 minutes.
	dur := sess.EstimatedArrival.Sub(*rig.clock)
	if dur < 7*time.Minute || dur > 10*time.Minute {
		t.Fatalf("fallback duration = %v, want roughly 8.5 minutes", dur)
	}
}

func TestDeviationBoundary(t *testing.T) {
	cases := []struct {
		name   string
		excess float64
		want   bool
	}{
		{"just under tolerance", 499, false},
		{"just over tolerance", 501, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t)
			sess := rig.start(t, "ride-dev")

			rig.advance(5 * time.Second)
			rig.coord.UpdateLocation(context.Background(), UpdateCommand{
				DriverID: "driver-1",
				RideID:   "ride-dev",
				Position: pointAtMetersNorth(sanIsidro, sess.PlannedRoute.DistanceMeters+tc.excess),
				Accuracy: 5,
			})

			got := rig.hub.count(EventRouteRecalculated) > 0
			if got != tc.want {
				t.Fatalf("deviated = %v at excess %.0fm, want %v", got, tc.excess, tc.want)
			}
		})
	}
}

func TestUpdateLocationAcceptanceOrder(t *testing.T) {
	rig := newTestRig(t)
	sess := rig.start(t, "ride-order")

	points := []types.Point{
		lerp(lima, sanIsidro, 0.2),
		lerp(lima, sanIsidro, 0.4),
		lerp(lima, sanIsidro, 0.3), // out-of-order positions are accepted as-is
		lerp(lima, sanIsidro, 0.6),
	}
	for _, p := range points {
		rig.advance(time.Second)
		rig.coord.UpdateLocation(context.Background(), UpdateCommand{
			DriverID: "driver-1",
			RideID:   "ride-order",
			Position: p,
			Accuracy: 5,
		})
	}

	snap, err := rig.coord.Session(sess.SessionID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(snap.ActualRoute) != len(points) {
		t.Fatalf("ActualRoute length = %d, want %d", len(snap.ActualRoute), len(points))
	}
	for i, p := range points {
		if snap.ActualRoute[i].Position != p {
			t.Fatalf("ActualRoute[%d] = %v, want %v", i, snap.ActualRoute[i].Position, p)
		}
	}
	if snap.CurrentLocation.Position != points[len(points)-1] {
		t.Fatalf("CurrentLocation = %v, want last accepted point", snap.CurrentLocation.Position)
	}
}

func TestUpdateLocationWithoutRideOnlyRefreshesPresence(t *testing.T) {
	rig := newTestRig(t)
	rig.coord.UpdateLocation(context.Background(), UpdateCommand{
		DriverID: "driver-9",
		Position: lima,
		Accuracy: 10,
	})
	if rig.presence.updates != 1 {
		t.Fatalf("presence updates = %d, want 1", rig.presence.updates)
	}
	if rig.store.appends != 1 {
		t.Fatalf("history appends = %d, want 1", rig.store.appends)
	}
	if len(rig.hub.events) != 0 {
		t.Fatalf("events emitted for off-ride update: %v", rig.hub.events)
	}
}

func TestETARefreshAfterInterval(t *testing.T) {
	rig := newTestRig(t)
	sess := rig.start(t, "ride-eta")

	// Inside the recalc interval the stored ETA is reused.
	rig.advance(10 * time.Second)
	rig.coord.UpdateLocation(context.Background(), UpdateCommand{
		DriverID: "driver-1", RideID: "ride-eta",
		Position: lerp(lima, sanIsidro, 0.3), Accuracy: 5,
	})
	snap, _ := rig.coord.Session(sess.SessionID)
	if !snap.EstimatedArrival.Equal(sess.EstimatedArrival) {
		t.Fatalf("ETA recomputed inside interval: %v vs %v", snap.EstimatedArrival, sess.EstimatedArrival)
	}

	// Past the interval the ETA is recomputed from the current position.
	rig.advance(31 * time.Second)
	rig.coord.UpdateLocation(context.Background(), UpdateCommand{
		DriverID: "driver-1", RideID: "ride-eta",
		Position: lerp(lima, sanIsidro, 0.5), Accuracy: 5,
	})
	snap, _ = rig.coord.Session(sess.SessionID)
	if snap.EstimatedArrival.Equal(sess.EstimatedArrival) {
		t.Fatal("ETA not recomputed after interval elapsed")
	}
}

func TestStopTrackingIdempotent(t *testing.T) {
	rig := newTestRig(t)
	sess := rig.start(t, "ride-stop")

	rig.advance(time.Second)
	rig.coord.UpdateLocation(context.Background(), UpdateCommand{
		DriverID: "driver-1", RideID: "ride-stop",
		Position: lerp(lima, sanIsidro, 0.5), Accuracy: 5,
	})
	rig.advance(time.Second)
	rig.coord.UpdateLocation(context.Background(), UpdateCommand{
		DriverID: "driver-1", RideID: "ride-stop",
		Position: lerp(lima, sanIsidro, 0.9), Accuracy: 5,
	})

	rig.advance(10 * time.Minute)
	if ok := rig.coord.StopTracking(context.Background(), sess.SessionID, "completed"); !ok {
		t.Fatal("first stop returned false")
	}
	if got := rig.hub.count(EventTrackingCompleted); got != 2 {
		t.Fatalf("tracking_completed emissions = %d, want 2", got)
	}
	if rig.coord.ActiveSessions() != 0 {
		t.Fatalf("active sessions after stop = %d, want 0", rig.coord.ActiveSessions())
	}

	if ok := rig.coord.StopTracking(context.Background(), sess.SessionID, "completed"); ok {
		t.Fatal("second stop returned true, want no-op")
	}
	if rig.store.closes != 1 {
		t.Fatalf("durable closes = %d, want 1", rig.store.closes)
	}
}

func TestStopTrackingComputesTotals(t *testing.T) {
	rig := newTestRig(t)
	sess := rig.start(t, "ride-totals")

	a := lerp(lima, sanIsidro, 0.3)
	b := lerp(lima, sanIsidro, 0.7)
	for _, p := range []types.Point{a, b} {
		rig.advance(time.Minute)
		rig.coord.UpdateLocation(context.Background(), UpdateCommand{
			DriverID: "driver-1", RideID: "ride-totals", Position: p, Accuracy: 5,
		})
	}

	rig.advance(time.Minute)
	if ok := rig.coord.StopTracking(context.Background(), sess.SessionID, "completed"); !ok {
		t.Fatal("stop returned false")
	}

	payload, ok := rig.hub.last(EventTrackingCompleted)
	if !ok {
		t.Fatal("no tracking_completed emitted")
	}
	event := payload.(CompletedEvent)

	wantDistance := geo.HaversineMeters(a, b)
	if diff := math.Abs(event.TotalDistanceM - wantDistance); diff > 1 {
		t.Fatalf("TotalDistanceM = %.1f, want %.1f", event.TotalDistanceM, wantDistance)
	}
	if event.TotalDuration != 3*time.Minute {
		t.Fatalf("TotalDuration = %v, want 3m", event.TotalDuration)
	}
	if event.Reason != "completed" {
		t.Fatalf("Reason = %q", event.Reason)
	}
}

func TestReaperStopsStaleSessionsOnly(t *testing.T) {
	rig := newTestRig(t)
	stale := rig.start(t, "ride-stale")
	fresh := rig.start(t, "ride-fresh")

	// The fresh session gets an update 10 minutes in; the stale one goes
	// quiet from the start.
	rig.advance(10 * time.Minute)
	rig.coord.UpdateLocation(context.Background(), UpdateCommand{
		DriverID: "driver-1", RideID: "ride-fresh",
		Position: lerp(lima, sanIsidro, 0.4), Accuracy: 5,
	})

	rig.advance(time.Minute)
	rig.coord.sweep(context.Background())

	if _, err := rig.coord.Session(stale.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale session survived the sweep: %v", err)
	}
	if _, err := rig.coord.Session(fresh.SessionID); err != nil {
		t.Fatalf("fresh session reaped: %v", err)
	}
	if got := rig.hub.count(EventTrackingCompleted); got != 2 {
		t.Fatalf("tracking_completed emissions = %d, want 2 (stale session only)", got)
	}
}

func TestSessionByRideFallsBackToStore(t *testing.T) {
	rig := newTestRig(t)
	rig.store.recover = &TrackingSession{
		SessionID: "tracking_ride-gone_1", RideID: "ride-gone", IsActive: true,
	}

	sess, err := rig.coord.SessionByRide(context.Background(), "ride-gone")
	if err != nil {
		t.Fatalf("SessionByRide: %v", err)
	}
	if sess.SessionID != "tracking_ride-gone_1" {
		t.Fatalf("recovered session id = %s", sess.SessionID)
	}

	if _, err := rig.coord.SessionByRide(context.Background(), "ride-unknown"); err == nil {
		t.Fatal("expected lookup miss for unknown ride")
	}
}
