package transit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedRoute = errors.New("malformed route")
	ErrRouteNotFound  = errors.New("route not found")
)

// Coordinate is always (latitude, longitude) inside the service. Providers
// that expect the opposite axis order convert at their boundary.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Stop struct {
	ID                       string     `json:"id"`
	RouteID                  string     `json:"routeId"`
	Order                    int        `json:"order"`
	Coord                    Coordinate `json:"coord"`
	Label                    string     `json:"label"`
	SeatsAvailableAtNextStop int        `json:"seatsAvailableAtNextStop"`
}

// Route is an ordered, validated stop sequence. Build it with NewRoute.
type Route struct {
	id    string
	name  string
	stops []Stop
}

// NewRoute validates stops and returns them ordered by Order. Order indices
// must form a dense 0..N-1 permutation; anything else is rejected rather
// than renumbered.
func NewRoute(id, name string, stops []Stop) (Route, error) {
	if id == "" {
		return Route{}, fmt.Errorf("%w: empty route id", ErrMalformedRoute)
	}
	if len(stops) == 0 {
		return Route{}, fmt.Errorf("%w: route %s has no stops", ErrMalformedRoute, id)
	}
	n := len(stops)
	seen := make([]bool, n)
	ordered := make([]Stop, n)
	for _, s := range stops {
		if s.RouteID != id {
			return Route{}, fmt.Errorf("%w: stop %s belongs to route %q, not %q", ErrMalformedRoute, s.ID, s.RouteID, id)
		}
		if s.Order < 0 || s.Order >= n {
			return Route{}, fmt.Errorf("%w: stop %s order %d outside 0..%d", ErrMalformedRoute, s.ID, s.Order, n-1)
		}
		if seen[s.Order] {
			return Route{}, fmt.Errorf("%w: duplicate order index %d on route %s", ErrMalformedRoute, s.Order, id)
		}
		if !s.Coord.Valid() {
			return Route{}, fmt.Errorf("%w: stop %s has invalid coordinates (%f, %f)", ErrMalformedRoute, s.ID, s.Coord.Lat, s.Coord.Lon)
		}
		if s.SeatsAvailableAtNextStop < 0 {
			return Route{}, fmt.Errorf("%w: stop %s has negative seat count", ErrMalformedRoute, s.ID)
		}
		seen[s.Order] = true
		ordered[s.Order] = s
	}
	return Route{id: id, name: name, stops: ordered}, nil
}

func (r Route) ID() string   { return r.id }
func (r Route) Name() string { return r.name }
func (r Route) Len() int     { return len(r.stops) }

// Stops returns a copy of the ordered stop list.
func (r Route) Stops() []Stop {
	out := make([]Stop, len(r.stops))
	copy(out, r.stops)
	return out
}

func (r Route) Stop(order int) (Stop, bool) {
	if order < 0 || order >= len(r.stops) {
		return Stop{}, false
	}
	return r.stops[order], true
}

// Coordinates returns the stop coordinates in visiting order.
func (r Route) Coordinates() []Coordinate {
	out := make([]Coordinate, len(r.stops))
	for i, s := range r.stops {
		out[i] = s.Coord
	}
	return out
}

// CachedPath is a snapped route geometry with travel-time estimates.
type CachedPath struct {
	RouteID          string          `json:"routeId"`
	Polyline         []Coordinate    `json:"polyline"`
	SegmentDurations []time.Duration `json:"segmentDurations"`
	Total            time.Duration   `json:"total"`
	FetchedAt        time.Time       `json:"fetchedAt"`
	Stale            bool            `json:"stale"`
}

// Clone returns a deep copy so consumers can never mutate cached state.
func (p CachedPath) Clone() CachedPath {
	out := p
	out.Polyline = append([]Coordinate(nil), p.Polyline...)
	out.SegmentDurations = append([]time.Duration(nil), p.SegmentDurations...)
	return out
}

// StopLister is the read side of the route geometry store.
type StopLister interface {
	ListStops(ctx context.Context, routeID string) ([]Stop, error)
}

// LoadRoute reads and validates a route from a stop store.
func LoadRoute(ctx context.Context, src StopLister, routeID string) (Route, error) {
	stops, err := src.ListStops(ctx, routeID)
	if err != nil {
		return Route{}, err
	}
	if len(stops) == 0 {
		return Route{}, fmt.Errorf("%w: %s", ErrRouteNotFound, routeID)
	}
	return NewRoute(routeID, "", stops)
}

// RouteSummary is a lightweight listing entry.
type RouteSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StopCount int    `json:"stopCount"`
}

type RouteLister interface {
	ListRoutes(ctx context.Context) ([]RouteSummary, error)
}
