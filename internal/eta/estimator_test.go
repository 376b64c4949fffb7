package eta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-tracker/internal/routing"
	"transit-tracker/internal/transit"
)

type stubProvider struct {
	calls  int
	total  time.Duration
	err    error
	coords [][]transit.Coordinate
}

func (p *stubProvider) Route(_ context.Context, coords []transit.Coordinate) (routing.Result, error) {
	p.calls++
	p.coords = append(p.coords, coords)
	if p.err != nil {
		return routing.Result{}, p.err
	}
	return routing.Result{Total: p.total, Segments: []time.Duration{p.total}}, nil
}

var (
	hall    = transit.Stop{ID: "a", Order: 0, Coord: transit.Coordinate{Lat: 14.648470418476709, Lon: 121.05111976402122}}
	masigla = transit.Stop{ID: "b", Order: 1, Coord: transit.Coordinate{Lat: 14.64433444753359, Lon: 121.05368593407127}}
	kamias  = transit.Stop{ID: "c", Order: 2, Coord: transit.Coordinate{Lat: 14.633268792854448, Lon: 121.05388752744793}}
)

func TestEstimateRoundsToNearestMinute(t *testing.T) {
	tests := []struct {
		total time.Duration
		want  int
	}{
		{0, 0},
		{29 * time.Second, 0},
		{30 * time.Second, 1},
		{89 * time.Second, 1},
		{150 * time.Second, 3},
		{10 * time.Minute, 10},
	}
	for _, tc := range tests {
		t.Run(tc.total.String(), func(t *testing.T) {
			p := &stubProvider{total: tc.total}
			got, err := NewEstimator(p, 8).Estimate(context.Background(), &hall, masigla)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEstimateRequestsOnlyTheActiveSegment(t *testing.T) {
	p := &stubProvider{total: 2 * time.Minute}
	e := NewEstimator(p, 8)
	ctx := context.Background()

	_, err := e.Estimate(ctx, &hall, masigla)
	require.NoError(t, err)
	_, err = e.Estimate(ctx, &hall, masigla)
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls, "same segment must not be recomputed")

	_, err = e.Estimate(ctx, &masigla, kamias)
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, []transit.Coordinate{masigla.Coord, kamias.Coord}, p.coords[1])
}

func TestEstimateFirstStopUnavailable(t *testing.T) {
	p := &stubProvider{}
	_, err := NewEstimator(p, 8).Estimate(context.Background(), nil, hall)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Zero(t, p.calls)
}

func TestEstimateDegenerateSegmentIsZero(t *testing.T) {
	p := &stubProvider{err: routing.ErrUnavailable}
	twin := hall
	twin.ID = "a2"
	got, err := NewEstimator(p, 8).Estimate(context.Background(), &hall, twin)
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.Zero(t, p.calls)
}

func TestEstimateProviderFailure(t *testing.T) {
	p := &stubProvider{err: routing.ErrUnavailable}
	e := NewEstimator(p, 8)
	_, err := e.Estimate(context.Background(), &hall, masigla)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, routing.ErrUnavailable)

	p.err = nil
	p.total = time.Minute
	got, err := e.Estimate(context.Background(), &hall, masigla)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, 2, p.calls, "failures are not memoized")
}
