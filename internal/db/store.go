package db

import (
	"context"
	"fmt"
	"time"

	"transit-tracker/internal/progress"
	"transit-tracker/internal/subscription"
	"transit-tracker/internal/transit"
)

// Store is the SQL persistence for routes, seat counts, subscriptions and
// archived runs. Times are stored as unix milliseconds.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store { return &Store{db: db} }

// PutRoute inserts or replaces a route's geometry. Reported seat counts of
// stops that keep their order index survive the update.
func (s *Store) PutRoute(ctx context.Context, r transit.Route) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin route %s: %w", r.ID(), err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.rebind(`
INSERT INTO routes (route_id, name) VALUES (?, ?)
ON CONFLICT (route_id) DO UPDATE SET name = excluded.name`), r.ID(), r.Name()); err != nil {
		return fmt.Errorf("upsert route %s: %w", r.ID(), err)
	}
	if _, err := tx.ExecContext(ctx, s.db.rebind(`DELETE FROM stops WHERE route_id = ? AND stop_order >= ?`), r.ID(), r.Len()); err != nil {
		return fmt.Errorf("trim stops of route %s: %w", r.ID(), err)
	}
	q := s.db.rebind(`
INSERT INTO stops (route_id, stop_order, stop_id, label, lat, lon, seats_next_stop)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (route_id, stop_order) DO UPDATE SET
    stop_id = excluded.stop_id,
    label = excluded.label,
    lat = excluded.lat,
    lon = excluded.lon`)
	for _, st := range r.Stops() {
		if _, err := tx.ExecContext(ctx, q, r.ID(), st.Order, st.ID, st.Label, st.Coord.Lat, st.Coord.Lon, st.SeatsAvailableAtNextStop); err != nil {
			return fmt.Errorf("upsert stop %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListStops(ctx context.Context, routeID string) ([]transit.Stop, error) {
	rows, err := s.db.QueryContext(ctx, s.db.rebind(`
SELECT stop_id, stop_order, label, lat, lon, seats_next_stop
FROM stops WHERE route_id = ? ORDER BY stop_order`), routeID)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	var out []transit.Stop
	for rows.Next() {
		st := transit.Stop{RouteID: routeID}
		if err := rows.Scan(&st.ID, &st.Order, &st.Label, &st.Coord.Lat, &st.Coord.Lon, &st.SeatsAvailableAtNextStop); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ListRoutes(ctx context.Context) ([]transit.RouteSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.route_id, r.name, COUNT(st.stop_order)
FROM routes r LEFT JOIN stops st ON st.route_id = r.route_id
GROUP BY r.route_id, r.name
ORDER BY r.route_id`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()
	var out []transit.RouteSummary
	for rows.Next() {
		var r transit.RouteSummary
		if err := rows.Scan(&r.ID, &r.Name, &r.StopCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetSeatsNextStop records the last reported seat count, keyed by route and
// stop order.
func (s *Store) SetSeatsNextStop(ctx context.Context, routeID string, order, seats int) error {
	res, err := s.db.ExecContext(ctx, s.db.rebind(`UPDATE stops SET seats_next_stop = ? WHERE route_id = ? AND stop_order = ?`), seats, routeID, order)
	if err != nil {
		return fmt.Errorf("update seats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s stop %d", transit.ErrRouteNotFound, routeID, order)
	}
	return nil
}

func (s *Store) UpsertSubscription(ctx context.Context, sub subscription.Subscription) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(`
INSERT INTO subscriptions (id, device_key, route_id, stop_order, target, created_at, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (device_key, route_id, stop_order) DO UPDATE SET
    target = excluded.target,
    last_seen = excluded.last_seen`),
		sub.ID, sub.DeviceKey, sub.RouteID, sub.StopOrder, sub.Target, sub.CreatedAt.UnixMilli(), sub.LastSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, k subscription.Key) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(`DELETE FROM subscriptions WHERE device_key = ? AND route_id = ? AND stop_order = ?`), k.DeviceKey, k.RouteID, k.StopOrder)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func (s *Store) LoadSubscriptions(ctx context.Context) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, device_key, route_id, stop_order, target, created_at, last_seen
FROM subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()
	var out []subscription.Subscription
	for rows.Next() {
		var (
			sub             subscription.Subscription
			created, seenAt int64
		)
		if err := rows.Scan(&sub.ID, &sub.DeviceKey, &sub.RouteID, &sub.StopOrder, &sub.Target, &created, &seenAt); err != nil {
			return nil, err
		}
		sub.CreatedAt = time.UnixMilli(created)
		sub.LastSeen = time.UnixMilli(seenAt)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) PruneSubscriptions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.rebind(`DELETE FROM subscriptions WHERE last_seen < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ArchiveRun(ctx context.Context, snap progress.Snapshot, endedAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(`
INSERT INTO run_archive (run_id, route_id, vehicle_id, state, final_stop, stop_count, onboard, capacity, seq, started_at, ended_at, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id) DO NOTHING`),
		snap.RunID, snap.RouteID, snap.VehicleID, string(snap.State), snap.CurrentStop, snap.StopCount,
		snap.Onboard, snap.Capacity, int64(snap.Seq), snap.StartedAt.UnixMilli(), endedAt.UnixMilli(), reason)
	if err != nil {
		return fmt.Errorf("archive run %s: %w", snap.RunID, err)
	}
	return nil
}

// ArchivedRun is a finished run as stored.
type ArchivedRun struct {
	RunID     string    `json:"runId"`
	RouteID   string    `json:"routeId"`
	VehicleID string    `json:"vehicleId"`
	State     string    `json:"state"`
	FinalStop int       `json:"finalStop"`
	StopCount int       `json:"stopCount"`
	Onboard   int       `json:"onboard"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// ArchivedRuns returns the most recently ended runs of a route.
func (s *Store) ArchivedRuns(ctx context.Context, routeID string, limit int) ([]ArchivedRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.db.rebind(`
SELECT run_id, route_id, vehicle_id, state, final_stop, stop_count, onboard, reason, started_at, ended_at
FROM run_archive WHERE route_id = ? ORDER BY ended_at DESC LIMIT ?`), routeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query run archive: %w", err)
	}
	defer rows.Close()
	var out []ArchivedRun
	for rows.Next() {
		var (
			r            ArchivedRun
			started, end int64
		)
		if err := rows.Scan(&r.RunID, &r.RouteID, &r.VehicleID, &r.State, &r.FinalStop, &r.StopCount, &r.Onboard, &r.Reason, &started, &end); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(end)
		out = append(out, r)
	}
	return out, rows.Err()
}
