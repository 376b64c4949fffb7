package transit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process route geometry store. It also keeps the
// per-stop seat counts reported by conductors.
type MemoryStore struct {
	mu     sync.RWMutex
	routes map[string]Route
	seats  map[string]map[int]int // routeID -> stop order -> seats at next stop
}

func NewMemoryStore(routes ...Route) *MemoryStore {
	s := &MemoryStore{
		routes: make(map[string]Route, len(routes)),
		seats:  make(map[string]map[int]int),
	}
	for _, r := range routes {
		s.routes[r.ID()] = r
	}
	return s
}

// PutRoute replaces the stored route with the same id.
func (s *MemoryStore) PutRoute(_ context.Context, r Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.ID()] = r
	delete(s.seats, r.ID())
	return nil
}

func (s *MemoryStore) ListStops(_ context.Context, routeID string) ([]Stop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[routeID]
	if !ok {
		return nil, nil
	}
	stops := r.Stops()
	for i := range stops {
		if n, ok := s.seats[routeID][stops[i].Order]; ok {
			stops[i].SeatsAvailableAtNextStop = n
		}
	}
	return stops, nil
}

func (s *MemoryStore) ListRoutes(_ context.Context) ([]RouteSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RouteSummary, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, RouteSummary{ID: r.ID(), Name: r.Name(), StopCount: r.Len()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetSeatsNextStop records the last reported seat count for a stop.
func (s *MemoryStore) SetSeatsNextStop(_ context.Context, routeID string, order, seats int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[routeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, routeID)
	}
	if _, ok := r.Stop(order); !ok {
		return fmt.Errorf("stop %d not on route %s", order, routeID)
	}
	if s.seats[routeID] == nil {
		s.seats[routeID] = make(map[int]int)
	}
	s.seats[routeID][order] = seats
	return nil
}
