// README: Durable incident log for emergency alerts.
package emergency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"oasis/internal/infra"
	"oasis/internal/types"
)

type Store struct {
	db infra.Querier
}

func NewStore(db infra.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) Insert(ctx context.Context, a *Alert) error {
	var ride *string
	if a.RideID != "" {
		v := string(a.RideID)
		ride = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO emergency_alerts (
			id, user_id, user_type, ride_id, type, status,
			lat, lng, address, message, triggered_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		string(a.ID), string(a.UserID), a.UserType, ride, string(a.Type), string(a.Status),
		a.Location.Lat, a.Location.Lng, a.Address, a.Message, a.TriggeredAt, a.UpdatedAt,
	)
	return err
}

// AppendLocation records a position push against an active alert.
func (s *Store) AppendLocation(ctx context.Context, id types.ID, ping LocationPing) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO emergency_locations (emergency_id, lat, lng, recorded_at)
		VALUES ($1,$2,$3,$4)`,
		string(id), ping.Position.Lat, ping.Position.Lng, ping.Timestamp,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE emergency_alerts SET lat = $2, lng = $3, updated_at = $4 WHERE id = $1`,
		string(id), ping.Position.Lat, ping.Position.Lng, ping.Timestamp,
	)
	return err
}

// Cancel closes an alert on its owner's request. Rows gate the ownership
// and liveness checks; zero updates means not cancellable.
func (s *Store) Cancel(ctx context.Context, id, userID types.ID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE emergency_alerts
		SET status = $3, resolved_at = $4, updated_at = $4
		WHERE id = $1 AND user_id = $2 AND status IN ('active', 'responding')`,
		string(id), string(userID), string(StatusCancelled), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotCancellable
	}
	return nil
}

// Resolve closes an alert from the admin side with a terminal status.
func (s *Store) Resolve(ctx context.Context, id, adminID types.ID, status Status, notes string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE emergency_alerts
		SET status = $3, resolved_by = $2, notes = $4, resolved_at = $5, updated_at = $5
		WHERE id = $1 AND status IN ('active', 'responding')`,
		string(id), string(adminID), string(status), notes, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Alert, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, user_type, COALESCE(ride_id, ''), type, status,
		       lat, lng, COALESCE(address, ''), COALESCE(message, ''),
		       triggered_at, updated_at
		FROM emergency_alerts WHERE id = $1`, string(id),
	)
	return scanAlert(row)
}

// HistoryForUser lists a user's past and present alerts, newest first.
func (s *Store) HistoryForUser(ctx context.Context, userID types.ID) ([]*Alert, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, user_type, COALESCE(ride_id, ''), type, status,
		       lat, lng, COALESCE(address, ''), COALESCE(message, ''),
		       triggered_at, updated_at
		FROM emergency_alerts
		WHERE user_id = $1
		ORDER BY triggered_at DESC`, string(userID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	err := row.Scan(
		&a.ID, &a.UserID, &a.UserType, &a.RideID, &a.Type, &a.Status,
		&a.Location.Lat, &a.Location.Lng, &a.Address, &a.Message,
		&a.TriggeredAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
