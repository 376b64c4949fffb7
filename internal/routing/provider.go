package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"transit-tracker/internal/transit"
)

// ErrUnavailable covers every provider failure: unreachable, slow, rate
// limited, or answering with something unusable.
var ErrUnavailable = errors.New("routing unavailable")

// Result is a snapped path for an ordered list of waypoints.
type Result struct {
	Polyline []transit.Coordinate // lat, lon
	Segments []time.Duration      // one per consecutive waypoint pair
	Total    time.Duration
}

type Provider interface {
	Route(ctx context.Context, coords []transit.Coordinate) (Result, error)
}

// Metrics receives per-request outcomes; nil disables reporting.
type Metrics interface {
	RoutingRequest(provider string, ok bool, d time.Duration)
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// toLonLat converts to the provider axis order.
func toLonLat(coords []transit.Coordinate) [][]float64 {
	out := make([][]float64, len(coords))
	for i, c := range coords {
		out[i] = []float64{c.Lon, c.Lat}
	}
	return out
}

// fromLonLat converts provider [lon, lat] pairs back to internal order.
func fromLonLat(pairs [][]float64) ([]transit.Coordinate, error) {
	out := make([]transit.Coordinate, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			return nil, fmt.Errorf("coordinate pair has %d values", len(p))
		}
		out = append(out, transit.Coordinate{Lat: p[1], Lon: p[0]})
	}
	return out, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
