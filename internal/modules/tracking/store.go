// README: Durable mirror of tracking sessions and the location audit trail.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"oasis/internal/infra"
	"oasis/internal/maps"
	"oasis/internal/types"
)

// Store persists session snapshots for recovery and the append-only
// location history for audit. The in-memory registry stays authoritative;
// callers log store failures and continue.
type Store struct {
	db infra.Querier
}

func NewStore(db infra.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) PutSession(ctx context.Context, sess *TrackingSession) error {
	plannedJSON, err := json.Marshal(sess.PlannedRoute)
	if err != nil {
		return fmt.Errorf("encoding planned route: %w", err)
	}
	currentJSON, err := json.Marshal(sess.CurrentLocation)
	if err != nil {
		return fmt.Errorf("encoding current location: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO tracking_sessions (
			id, ride_id, driver_id, passenger_id,
			origin_lat, origin_lng, dest_lat, dest_lng,
			planned_route, current_location, estimated_arrival,
			is_active, started_at, last_update
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			planned_route = EXCLUDED.planned_route,
			current_location = EXCLUDED.current_location,
			estimated_arrival = EXCLUDED.estimated_arrival,
			last_update = EXCLUDED.last_update`,
		string(sess.SessionID), string(sess.RideID), string(sess.DriverID), string(sess.PassengerID),
		sess.Origin.Lat, sess.Origin.Lng, sess.Destination.Lat, sess.Destination.Lng,
		plannedJSON, currentJSON, sess.EstimatedArrival,
		sess.IsActive, sess.StartedAt, sess.LastUpdate,
	)
	return err
}

// UpdateProgress mirrors a location update. newRoute is nil unless the
// session was re-planned.
func (s *Store) UpdateProgress(ctx context.Context, sessionID types.ID, loc DriverLocation, eta time.Time, newRoute *maps.RouteInfo) error {
	currentJSON, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encoding current location: %w", err)
	}
	var routeJSON []byte
	if newRoute != nil {
		if routeJSON, err = json.Marshal(newRoute); err != nil {
			return fmt.Errorf("encoding planned route: %w", err)
		}
	}
	_, err = s.db.Exec(ctx, `
		UPDATE tracking_sessions
		SET current_location = $2,
		    estimated_arrival = $3,
		    last_update = $4,
		    planned_route = COALESCE($5, planned_route)
		WHERE id = $1`,
		string(sessionID), currentJSON, eta, loc.Timestamp, routeJSON,
	)
	return err
}

func (s *Store) CloseSession(ctx context.Context, sessionID types.ID, completedAt time.Time, totalDistanceM float64, totalDuration time.Duration) error {
	_, err := s.db.Exec(ctx, `
		UPDATE tracking_sessions
		SET is_active = false,
		    completed_at = $2,
		    total_distance_m = $3,
		    total_duration_sec = $4
		WHERE id = $1`,
		string(sessionID), completedAt, totalDistanceM, totalDuration.Seconds(),
	)
	return err
}

// AppendLocation records one ingested position in the audit trail. rideID
// is empty for off-ride updates.
func (s *Store) AppendLocation(ctx context.Context, loc DriverLocation, rideID types.ID) error {
	var ride *string
	if rideID != "" {
		v := string(rideID)
		ride = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_history (driver_id, ride_id, lat, lng, accuracy, heading, speed, address, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		string(loc.DriverID), ride,
		loc.Position.Lat, loc.Position.Lng, loc.Accuracy,
		loc.Heading, loc.Speed, nullableString(loc.Address), loc.Timestamp,
	)
	return err
}

// GetActiveSessionByRide loads a session snapshot for recovery after a
// restart. ActualRoute is rebuilt from the location history.
func (s *Store) GetActiveSessionByRide(ctx context.Context, rideID types.ID) (*TrackingSession, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, ride_id, driver_id, passenger_id,
		       origin_lat, origin_lng, dest_lat, dest_lng,
		       planned_route, current_location, estimated_arrival,
		       is_active, started_at, last_update
		FROM tracking_sessions
		WHERE ride_id = $1 AND is_active = true
		LIMIT 1`, string(rideID),
	)

	var sess TrackingSession
	var plannedJSON, currentJSON []byte
	err := row.Scan(
		&sess.SessionID, &sess.RideID, &sess.DriverID, &sess.PassengerID,
		&sess.Origin.Lat, &sess.Origin.Lng, &sess.Destination.Lat, &sess.Destination.Lng,
		&plannedJSON, &currentJSON, &sess.EstimatedArrival,
		&sess.IsActive, &sess.StartedAt, &sess.LastUpdate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plannedJSON, &sess.PlannedRoute); err != nil {
		return nil, fmt.Errorf("decoding planned route: %w", err)
	}
	if err := json.Unmarshal(currentJSON, &sess.CurrentLocation); err != nil {
		return nil, fmt.Errorf("decoding current location: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT driver_id, lat, lng, accuracy, heading, speed, COALESCE(address, ''), recorded_at
		FROM location_history
		WHERE ride_id = $1
		ORDER BY recorded_at`, string(rideID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var loc DriverLocation
		if err := rows.Scan(&loc.DriverID, &loc.Position.Lat, &loc.Position.Lng,
			&loc.Accuracy, &loc.Heading, &loc.Speed, &loc.Address, &loc.Timestamp); err != nil {
			return nil, err
		}
		sess.ActualRoute = append(sess.ActualRoute, loc)
	}
	return &sess, rows.Err()
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
