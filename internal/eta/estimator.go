package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bluele/gcache"

	"transit-tracker/internal/routing"
	"transit-tracker/internal/transit"
)

var ErrUnavailable = errors.New("eta unavailable")

// minSegmentMeters is the distance under which two stops count as the same
// point; providers tend to reject such requests anyway.
const minSegmentMeters = 1.0

// Estimator derives minutes-to-arrival for a single active segment.
type Estimator struct {
	provider routing.Provider
	segments gcache.Cache
}

func NewEstimator(p routing.Provider, cacheSize int) *Estimator {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Estimator{
		provider: p,
		segments: gcache.New(cacheSize).LRU().Build(),
	}
}

type segmentKey struct {
	from, to transit.Coordinate
}

// Estimate returns the travel time in whole minutes from prev to cur. The
// first stop of a route has no incoming segment, so prev == nil is
// unavailable. Results are memoized per segment.
func (e *Estimator) Estimate(ctx context.Context, prev *transit.Stop, cur transit.Stop) (int, error) {
	if prev == nil {
		return 0, fmt.Errorf("%w: stop %s has no previous stop", ErrUnavailable, cur.ID)
	}
	if transit.DistanceMeters(prev.Coord, cur.Coord) < minSegmentMeters {
		return 0, nil
	}
	key := segmentKey{from: prev.Coord, to: cur.Coord}
	if v, err := e.segments.Get(key); err == nil {
		return v.(int), nil
	}
	res, err := e.provider.Route(ctx, []transit.Coordinate{prev.Coord, cur.Coord})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	d := res.Total
	if d == 0 && len(res.Segments) > 0 {
		d = res.Segments[0]
	}
	minutes := roundMinutes(d)
	_ = e.segments.Set(key, minutes)
	return minutes, nil
}

func roundMinutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}
