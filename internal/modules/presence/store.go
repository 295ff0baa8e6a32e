// README: Presence store backed by Redis GEO and per-driver hashes.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"oasis/internal/types"
)

const (
	driverGeoKey    = "presence:drivers"
	driverKeyPrefix = "presence:driver:%s"
	// Presence entries expire on their own if a driver vanishes without a
	// clean disconnect.
	presenceTTL = 24 * time.Hour
)

var ErrUnknownDriver = errors.New("no presence recorded for driver")

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// Update records a driver's last-known position and marks them online.
func (s *Store) Update(ctx context.Context, driverID types.ID, p types.Point, heading, speed *float64) error {
	fields := map[string]interface{}{
		"lat":        p.Lat,
		"lng":        p.Lng,
		"online":     "1",
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if heading != nil {
		fields["heading"] = *heading
	}
	if speed != nil {
		fields["speed"] = *speed
	}

	pipe := s.redis.Pipeline()
	pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      string(driverID),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	})
	pipe.HSet(ctx, driverKey(driverID), fields)
	pipe.Expire(ctx, driverKey(driverID), presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline removes the driver from the dispatchable set but keeps the
// last-known position for display.
func (s *Store) SetOffline(ctx context.Context, driverID types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.ZRem(ctx, driverGeoKey, string(driverID))
	pipe.HSet(ctx, driverKey(driverID), "online", "0",
		"updated_at", time.Now().UTC().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	return err
}

// Nearby returns online drivers within radiusKm of a point, closest first.
func (s *Store) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]NearbyDriver, error) {
	results, err := s.redis.GeoSearchLocation(ctx, driverGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	drivers := make([]NearbyDriver, len(results))
	for i, r := range results {
		drivers[i] = NearbyDriver{
			DriverID:   types.ID(r.Name),
			Position:   types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceKm: r.Dist,
		}
	}
	return drivers, nil
}

// LastKnown loads a driver's recorded presence.
func (s *Store) LastKnown(ctx context.Context, driverID types.ID) (*DriverPresence, error) {
	fields, err := s.redis.HGetAll(ctx, driverKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrUnknownDriver
	}

	p := &DriverPresence{
		DriverID: driverID,
		Online:   fields["online"] == "1",
	}
	if p.Position.Lat, err = strconv.ParseFloat(fields["lat"], 64); err != nil {
		return nil, fmt.Errorf("parsing presence lat for %s: %w", driverID, err)
	}
	if p.Position.Lng, err = strconv.ParseFloat(fields["lng"], 64); err != nil {
		return nil, fmt.Errorf("parsing presence lng for %s: %w", driverID, err)
	}
	if v, ok := fields["heading"]; ok {
		if h, err := strconv.ParseFloat(v, 64); err == nil {
			p.Heading = &h
		}
	}
	if v, ok := fields["speed"]; ok {
		if sp, err := strconv.ParseFloat(v, 64); err == nil {
			p.Speed = &sp
		}
	}
	if v, ok := fields["updated_at"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			p.UpdatedAt = t
		}
	}
	return p, nil
}

func driverKey(driverID types.ID) string {
	return fmt.Sprintf(driverKeyPrefix, string(driverID))
}
