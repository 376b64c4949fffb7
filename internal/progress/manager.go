package progress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"transit-tracker/internal/transit"
)

// SeatWriter persists reported seat counts keyed by route and stop order.
type SeatWriter interface {
	SetSeatsNextStop(ctx context.Context, routeID string, order, seats int) error
}

// Archiver keeps a record of finished runs.
type Archiver interface {
	ArchiveRun(ctx context.Context, snap Snapshot, endedAt time.Time, reason string) error
}

type Metrics interface {
	RunStarted()
	RunEnded(reason string)
	SetActiveRuns(n int)
	Transition(kind string)
	Rejected(reason string)
}

// End reasons recorded on archived runs.
const (
	ReasonOffline   = "offline"
	ReasonCompleted = "completed"
	ReasonIdle      = "idle"
	ReasonShutdown  = "shutdown"
)

type ManagerOptions struct {
	Capacity    int
	IdleTimeout time.Duration
	Seats       SeatWriter
	Archive     Archiver
	Sinks       []EventSink
	Metrics     Metrics
}

type Manager struct {
	stops       transit.StopLister
	seats       SeatWriter
	archive     Archiver
	sinks       []EventSink
	capacity    int
	idleTimeout time.Duration
	metrics     Metrics
	now         func() time.Time

	mu      sync.Mutex
	running map[RunKey]*Run

	reapCancel context.CancelFunc
	reapWG     sync.WaitGroup
}

func NewManager(stops transit.StopLister, opts ManagerOptions) *Manager {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		stops:       stops,
		seats:       opts.Seats,
		archive:     opts.Archive,
		sinks:       opts.Sinks,
		capacity:    capacity,
		idleTimeout: opts.IdleTimeout,
		metrics:     opts.Metrics,
		now:         time.Now,
		running:     make(map[RunKey]*Run),
	}
}

// AddSink registers another consumer of committed transitions. Call it
// before the first command is applied.
func (m *Manager) AddSink(s EventSink) {
	m.sinks = append(m.sinks, s)
}

// Start begins a run for key. If one is already active it is returned with
// created == false.
func (m *Manager) Start(ctx context.Context, key RunKey) (Snapshot, bool, error) {
	if key.RouteID == "" || key.VehicleID == "" {
		return Snapshot{}, false, fmt.Errorf("%w: route and vehicle are required", ErrInvalidState)
	}
	if r, ok := m.Get(key); ok {
		return r.Snapshot(), false, nil
	}
	route, err := transit.LoadRoute(ctx, m.stops, key.RouteID)
	if err != nil {
		return Snapshot{}, false, err
	}
	r, err := NewRun(key, route, m.capacity, m.now)
	if err != nil {
		return Snapshot{}, false, err
	}

	m.mu.Lock()
	if existing, ok := m.running[key]; ok {
		m.mu.Unlock()
		return existing.Snapshot(), false, nil
	}
	m.running[key] = r
	n := len(m.running)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RunStarted()
		m.metrics.SetActiveRuns(n)
	}
	log.Printf("run %s started for route %s vehicle %s (%d stops)", r.ID(), key.RouteID, key.VehicleID, route.Len())
	return r.Snapshot(), true, nil
}

func (m *Manager) Get(key RunKey) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.running[key]
	return r, ok
}

// Snapshots returns every active run ordered by key.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	runs := make([]*Run, 0, len(m.running))
	for _, r := range m.running {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RouteID != out[j].RouteID {
			return out[i].RouteID < out[j].RouteID
		}
		return out[i].VehicleID < out[j].VehicleID
	})
	return out
}

// End archives and removes the run for key.
func (m *Manager) End(ctx context.Context, key RunKey, reason string) (Snapshot, error) {
	m.mu.Lock()
	r, ok := m.running[key]
	if ok {
		delete(m.running, key)
	}
	n := len(m.running)
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrRunNotFound, key)
	}

	snap := r.close()
	if m.metrics != nil {
		m.metrics.RunEnded(reason)
		m.metrics.SetActiveRuns(n)
	}
	if m.archive != nil {
		if err := m.archive.ArchiveRun(ctx, snap, m.now(), reason); err != nil {
			log.Printf("archive run %s error: %v", snap.RunID, err)
		}
	}
	log.Printf("run %s ended (%s) at stop %d/%d", snap.RunID, reason, snap.CurrentStop, snap.StopCount)
	return snap, nil
}

func (m *Manager) SetOnboard(ctx context.Context, key RunKey, count int) (Event, error) {
	return m.apply(ctx, key, func(r *Run) (Event, error) { return r.SetOnboard(count) })
}

func (m *Manager) RecordDeparture(ctx context.Context, key RunKey, count int) (Event, error) {
	return m.apply(ctx, key, func(r *Run) (Event, error) { return r.RecordDeparture(count) })
}

func (m *Manager) ReportNextStopSeats(ctx context.Context, key RunKey, count int) (Event, error) {
	return m.apply(ctx, key, func(r *Run) (Event, error) { return r.ReportNextStopSeats(count) })
}

func (m *Manager) Advance(ctx context.Context, key RunKey) (Event, error) {
	return m.apply(ctx, key, func(r *Run) (Event, error) { return r.Advance() })
}

// Complete finishes the run at its final stop and archives it.
func (m *Manager) Complete(ctx context.Context, key RunKey) (Event, error) {
	return m.apply(ctx, key, func(r *Run) (Event, error) { return r.Complete() })
}

// apply runs one transition and, once the run lock is released, persists
// side state and hands the event to every sink. A committed transition is
// final, so the follow-up work ignores the caller's cancellation.
func (m *Manager) apply(ctx context.Context, key RunKey, fn func(*Run) (Event, error)) (Event, error) {
	r, ok := m.Get(key)
	if !ok {
		m.reject(ErrRunNotFound)
		return Event{}, fmt.Errorf("%w: %s", ErrRunNotFound, key)
	}
	ev, err := fn(r)
	if err != nil {
		m.reject(err)
		return Event{}, err
	}
	if m.metrics != nil {
		m.metrics.Transition(string(ev.Kind))
	}
	ctx = context.WithoutCancel(ctx)

	switch ev.Kind {
	case EventSeatsReported:
		if m.seats != nil {
			if err := m.seats.SetSeatsNextStop(ctx, key.RouteID, ev.From.Order, ev.Seats); err != nil {
				log.Printf("persist seats for route %s stop %d error: %v", key.RouteID, ev.From.Order, err)
			}
		}
		log.Printf("run %s reported %d seats for stop %d", ev.Run.RunID, ev.Seats, ev.To.Order)
	case EventArrived:
		log.Printf("run %s advanced to stop %d (%s)", ev.Run.RunID, ev.To.Order, ev.To.Label)
	}

	for _, s := range m.sinks {
		s.HandleTransition(ctx, ev)
	}

	if ev.Kind == EventCompleted {
		if _, err := m.End(ctx, key, ReasonCompleted); err != nil && !errors.Is(err, ErrRunNotFound) {
			log.Printf("end completed run %s error: %v", ev.Run.RunID, err)
		}
	}
	return ev, nil
}

func (m *Manager) reject(err error) {
	if m.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrRunNotFound):
		m.metrics.Rejected("not_found")
	case errors.Is(err, ErrCapacityViolation):
		m.metrics.Rejected("capacity")
	case errors.Is(err, ErrAlreadyAtFinalStop):
		m.metrics.Rejected("final_stop")
	default:
		m.metrics.Rejected("invalid_state")
	}
}

// StartReaper launches a background loop that archives runs nobody has
// touched for longer than the idle timeout.
func (m *Manager) StartReaper(parent context.Context, interval time.Duration) {
	if m.idleTimeout <= 0 || interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.reapCancel = cancel
	m.reapWG.Add(1)
	go func() {
		defer m.reapWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ReapIdle(ctx)
			}
		}
	}()
}

// ReapIdle ends every run idle longer than the idle timeout and returns how
// many were ended.
func (m *Manager) ReapIdle(ctx context.Context) int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTimeout)
	m.mu.Lock()
	var idle []RunKey
	for k, r := range m.running {
		if r.idleSince().Before(cutoff) {
			idle = append(idle, k)
		}
	}
	m.mu.Unlock()

	ended := 0
	for _, k := range idle {
		if _, err := m.End(ctx, k, ReasonIdle); err == nil {
			ended++
		}
	}
	return ended
}

// Stop halts the reaper and archives every run still active.
func (m *Manager) Stop(ctx context.Context) {
	if m.reapCancel != nil {
		m.reapCancel()
	}
	m.reapWG.Wait()
	m.mu.Lock()
	keys := make([]RunKey, 0, len(m.running))
	for k := range m.running {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		_, _ = m.End(ctx, k, ReasonShutdown)
	}
}
