package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-tracker/internal/progress"
	"transit-tracker/internal/subscription"
	"transit-tracker/internal/transit"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "tracker.db")
	d, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	ctx := context.Background()
	require.NoError(t, Ping(ctx, d))
	require.NoError(t, Migrate(ctx, d))
	return d
}

func testRoute(t *testing.T, id string, n int) transit.Route {
	t.Helper()
	stops := make([]transit.Stop, n)
	for i := range stops {
		stops[i] = transit.Stop{
			ID:      id + "-" + string(rune('a'+i)),
			RouteID: id,
			Order:   i,
			Label:   "Stop " + string(rune('A'+i)),
			Coord:   transit.Coordinate{Lat: 14.65 + float64(i)*0.001, Lon: 121.05},
		}
	}
	r, err := transit.NewRoute(id, "Route "+id, stops)
	require.NoError(t, err)
	return r
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		in     string
		driver string
		err    bool
	}{
		{"postgres://u:p@localhost:5432/tracker?sslmode=disable", DriverPostgres, false},
		{"postgresql://localhost/tracker", DriverPostgres, false},
		{"host=localhost dbname=tracker", DriverPostgres, false},
		{"sqlite:///var/lib/tracker.db", DriverSQLite, false},
		{"file:tracker.db?mode=memory", DriverSQLite, false},
		{"tracker.db", DriverSQLite, false},
		{"sqlite://", "", true},
		{"mysql://localhost/x", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			driver, _, err := ParseDSN(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.driver, driver)
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	lite := &DB{driver: DriverSQLite}
	q := `UPDATE stops SET seats_next_stop = ? WHERE route_id = ? AND stop_order = ?`
	assert.Equal(t, `UPDATE stops SET seats_next_stop = $1 WHERE route_id = $2 AND stop_order = $3`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestPostgresMigrate(t *testing.T) {
	dsn := os.Getenv("TRACKER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TRACKER_TEST_DATABASE_URL not set")
	}
	d, err := Open(dsn)
	require.NoError(t, err)
	defer d.Close()
	ctx := context.Background()
	require.NoError(t, Ping(ctx, d))
	require.NoError(t, Migrate(ctx, d))
	assert.Equal(t, DriverPostgres, d.Driver())
}

func TestMigrateIsIdempotent(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, Migrate(context.Background(), d))
}

func TestRouteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openTestDB(t))
	require.NoError(t, s.PutRoute(ctx, testRoute(t, "7", 3)))
	require.NoError(t, s.PutRoute(ctx, testRoute(t, "2", 2)))

	route, err := transit.LoadRoute(ctx, s, "7")
	require.NoError(t, err)
	assert.Equal(t, 3, route.Len())
	st, _ := route.Stop(1)
	assert.Equal(t, "Stop B", st.Label)
	assert.InDelta(t, 14.651, st.Coord.Lat, 1e-9)

	routes, err := s.ListRoutes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []transit.RouteSummary{{ID: "2", Name: "Route 2", StopCount: 2}, {ID: "7", Name: "Route 7", StopCount: 3}}, routes)

	_, err = transit.LoadRoute(ctx, s, "99")
	require.ErrorIs(t, err, transit.ErrRouteNotFound)
}

func TestSeatsSurviveRouteUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openTestDB(t))
	require.NoError(t, s.PutRoute(ctx, testRoute(t, "7", 3)))
	require.NoError(t, s.SetSeatsNextStop(ctx, "7", 1, 4))
	require.NoError(t, s.SetSeatsNextStop(ctx, "7", 1, 6))

	// shrink to two stops
	require.NoError(t, s.PutRoute(ctx, testRoute(t, "7", 2)))
	stops, err := s.ListStops(ctx, "7")
	require.NoError(t, err)
	require.Len(t, stops, 2)
	assert.Equal(t, 6, stops[1].SeatsAvailableAtNextStop)

	err = s.SetSeatsNextStop(ctx, "7", 2, 1)
	require.ErrorIs(t, err, transit.ErrRouteNotFound)
}

func TestSubscriptionStore(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openTestDB(t))
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	sub := subscription.Subscription{ID: "s1", DeviceKey: "dev", RouteID: "7", StopOrder: 2, Target: "tok-1", CreatedAt: base, LastSeen: base}
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	sub.Target = "tok-2"
	sub.LastSeen = base.Add(time.Hour)
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	require.NoError(t, s.UpsertSubscription(ctx, subscription.Subscription{ID: "s2", DeviceKey: "old", RouteID: "7", StopOrder: 1, Target: "tok-3", CreatedAt: base, LastSeen: base}))

	subs, err := s.LoadSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	byID := map[string]subscription.Subscription{}
	for _, x := range subs {
		byID[x.ID] = x
	}
	assert.Equal(t, "tok-2", byID["s1"].Target)
	assert.True(t, base.Add(time.Hour).Equal(byID["s1"].LastSeen))
	assert.True(t, base.Equal(byID["s1"].CreatedAt))

	n, err := s.PruneSubscriptions(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteSubscription(ctx, sub.Key()))
	subs, err = s.LoadSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestRegistryWriteThrough(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openTestDB(t))

	reg := subscription.NewRegistry(s, time.Hour, nil)
	_, err := reg.Subscribe(ctx, "dev", "7", 2, "tok")
	require.NoError(t, err)
	_, err = reg.Subscribe(ctx, "dev", "7", 2, "tok")
	require.ErrorIs(t, err, subscription.ErrAlreadySubscribed)

	restored := subscription.NewRegistry(s, time.Hour, nil)
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"tok"}, restored.SubscribersFor("7", 2))
}

func TestArchiveRun(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openTestDB(t))
	require.NoError(t, s.PutRoute(ctx, testRoute(t, "7", 3)))

	mgr := progress.NewManager(s, progress.ManagerOptions{Capacity: 49, Seats: s, Archive: s})
	key := progress.RunKey{RouteID: "7", VehicleID: "bus-1"}
	_, _, err := mgr.Start(ctx, key)
	require.NoError(t, err)
	_, err = mgr.SetOnboard(ctx, key, 20)
	require.NoError(t, err)
	_, err = mgr.ReportNextStopSeats(ctx, key, 29)
	require.NoError(t, err)
	_, err = mgr.Advance(ctx, key)
	require.NoError(t, err)
	snap, err := mgr.End(ctx, key, progress.ReasonOffline)
	require.NoError(t, err)

	runs, err := s.ArchivedRuns(ctx, "7", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, snap.RunID, runs[0].RunID)
	assert.Equal(t, 1, runs[0].FinalStop)
	assert.Equal(t, 20, runs[0].Onboard)
	assert.Equal(t, progress.ReasonOffline, runs[0].Reason)

	stops, err := s.ListStops(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 29, stops[0].SeatsAvailableAtNextStop)

	// archiving twice is harmless
	require.NoError(t, s.ArchiveRun(ctx, snap, time.Now(), progress.ReasonOffline))
}
