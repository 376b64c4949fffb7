package transit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stop(route string, order int, lat, lon float64) Stop {
	return Stop{ID: route + "-" + string(rune('a'+order)), RouteID: route, Order: order, Coord: Coordinate{Lat: lat, Lon: lon}}
}

func TestNewRouteOrdersStops(t *testing.T) {
	r, err := NewRoute("1", "QC Hall - Cubao", []Stop{
		stop("1", 2, 14.62, 121.05),
		stop("1", 0, 14.64, 121.05),
		stop("1", 1, 14.63, 121.05),
	})
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())
	for i, s := range r.Stops() {
		assert.Equal(t, i, s.Order)
	}
	assert.Equal(t, []Coordinate{{14.64, 121.05}, {14.63, 121.05}, {14.62, 121.05}}, r.Coordinates())
}

func TestNewRouteRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		stops []Stop
	}{
		{"empty", nil},
		{"gap", []Stop{stop("1", 0, 1, 1), stop("1", 2, 1, 1)}},
		{"duplicate", []Stop{stop("1", 0, 1, 1), stop("1", 0, 1, 1)}},
		{"negative", []Stop{stop("1", -1, 1, 1)}},
		{"starts at one", []Stop{stop("1", 1, 1, 1), stop("1", 2, 1, 1)}},
		{"foreign stop", []Stop{stop("1", 0, 1, 1), stop("2", 1, 1, 1)}},
		{"bad latitude", []Stop{stop("1", 0, 91, 1)}},
		{"bad longitude", []Stop{stop("1", 0, 1, -181)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRoute("1", "", tc.stops)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRoute), "got %v", err)
		})
	}
}

func TestRouteStopsAreCopies(t *testing.T) {
	r, err := NewRoute("1", "", []Stop{stop("1", 0, 1, 1)})
	require.NoError(t, err)
	stops := r.Stops()
	stops[0].Label = "changed"
	s, ok := r.Stop(0)
	require.True(t, ok)
	assert.Empty(t, s.Label)
	_, ok = r.Stop(1)
	assert.False(t, ok)
}

func TestLoadRoute(t *testing.T) {
	r, err := NewRoute("6", "QC Hall - Gilmore", []Stop{stop("6", 0, 14.64, 121.04), stop("6", 1, 14.63, 121.04)})
	require.NoError(t, err)
	store := NewMemoryStore(r)
	ctx := context.Background()

	got, err := LoadRoute(ctx, store, "6")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())

	_, err = LoadRoute(ctx, store, "missing")
	assert.True(t, errors.Is(err, ErrRouteNotFound))
}

func TestMemoryStoreSeats(t *testing.T) {
	r, err := NewRoute("6", "", []Stop{stop("6", 0, 14.64, 121.04), stop("6", 1, 14.63, 121.04)})
	require.NoError(t, err)
	store := NewMemoryStore(r)
	ctx := context.Background()

	require.NoError(t, store.SetSeatsNextStop(ctx, "6", 0, 4))
	require.NoError(t, store.SetSeatsNextStop(ctx, "6", 0, 7))
	stops, err := store.ListStops(ctx, "6")
	require.NoError(t, err)
	assert.Equal(t, 7, stops[0].SeatsAvailableAtNextStop)
	assert.Error(t, store.SetSeatsNextStop(ctx, "6", 5, 1))
	assert.ErrorIs(t, store.SetSeatsNextStop(ctx, "nope", 0, 1), ErrRouteNotFound)

	routes, err := store.ListRoutes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []RouteSummary{{ID: "6", StopCount: 2}}, routes)
}

func TestDistanceMeters(t *testing.T) {
	a := Coordinate{Lat: 14.648470418476709, Lon: 121.05111976402122}
	assert.Zero(t, DistanceMeters(a, a))
	b := Coordinate{Lat: 14.64433444753359, Lon: 121.05368593407127}
	d := DistanceMeters(a, b)
	assert.InDelta(t, 535, d, 20)
}
