package seed

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"transit-tracker/internal/transit"
)

type File struct {
	Routes []RouteSpec `yaml:"routes" validate:"required,min=1,dive"`
}

// RouteSpec lists stops in visiting order; the order index is the position.
type RouteSpec struct {
	ID    string     `yaml:"id" validate:"required"`
	Name  string     `yaml:"name"`
	Stops []StopSpec `yaml:"stops" validate:"required,min=1,dive"`
}

type StopSpec struct {
	ID    string   `yaml:"id" validate:"required"`
	Label string   `yaml:"label"`
	Lat   *float64 `yaml:"lat" validate:"required,gte=-90,lte=90"`
	Lon   *float64 `yaml:"lon" validate:"required,gte=-180,lte=180"`
}

// RouteWriter stores validated routes.
type RouteWriter interface {
	PutRoute(ctx context.Context, r transit.Route) error
}

// Parse decodes and validates a route file.
func Parse(r io.Reader) ([]transit.Route, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("validate routes: %w", err)
	}
	seen := make(map[string]bool, len(f.Routes))
	out := make([]transit.Route, 0, len(f.Routes))
	for _, rs := range f.Routes {
		if seen[rs.ID] {
			return nil, fmt.Errorf("%w: route %s defined twice", transit.ErrMalformedRoute, rs.ID)
		}
		seen[rs.ID] = true
		stops := make([]transit.Stop, len(rs.Stops))
		for i, ss := range rs.Stops {
			stops[i] = transit.Stop{
				ID:      ss.ID,
				RouteID: rs.ID,
				Order:   i,
				Label:   ss.Label,
				Coord:   transit.Coordinate{Lat: *ss.Lat, Lon: *ss.Lon},
			}
		}
		route, err := transit.NewRoute(rs.ID, rs.Name, stops)
		if err != nil {
			return nil, err
		}
		out = append(out, route)
	}
	return out, nil
}

// LoadFile parses path and writes every route to w.
func LoadFile(ctx context.Context, path string, w RouteWriter) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	routes, err := Parse(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	for _, r := range routes {
		if err := w.PutRoute(ctx, r); err != nil {
			return 0, fmt.Errorf("seed route %s: %w", r.ID(), err)
		}
	}
	return len(routes), nil
}
