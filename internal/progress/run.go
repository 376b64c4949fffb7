package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"transit-tracker/internal/transit"
)

var (
	ErrInvalidState       = errors.New("invalid state")
	ErrCapacityViolation  = errors.New("capacity violation")
	ErrAlreadyAtFinalStop = errors.New("already at final stop")
	ErrRunNotFound        = errors.New("run not found")
)

// DefaultCapacity is the seat count of the buses the service was built for.
const DefaultCapacity = 49

type State string

const (
	StateAtStop    State = "at_stop"
	StateCompleted State = "completed"
)

// RunKey identifies a run by route and vehicle session, so two vehicles on
// the same route never share progress or seat counts.
type RunKey struct {
	RouteID   string `json:"routeId"`
	VehicleID string `json:"vehicleId"`
}

func (k RunKey) String() string { return k.RouteID + "/" + k.VehicleID }

// Snapshot is a consistent copy of a run's state. Onboard is the count after
// departures, and DepartedAtCurrentStop totals the departures recorded at the
// current stop, so Onboard-DepartedAtCurrentStop is not meaningful.
type Snapshot struct {
	RunID                 string             `json:"runId"`
	RouteID               string             `json:"routeId"`
	VehicleID             string             `json:"vehicleId"`
	State                 State              `json:"state"`
	CurrentStop           int                `json:"currentStop"`
	CurrentStopID         string             `json:"currentStopId"`
	CurrentStopLabel      string             `json:"currentStopLabel"`
	Coord                 transit.Coordinate `json:"coord"`
	StopCount             int                `json:"stopCount"`
	Capacity              int                `json:"capacity"`
	Onboard               int                `json:"onboard"`
	DepartedAtCurrentStop int                `json:"departedAtCurrentStop"`
	AvailableSeats        int                `json:"availableSeats"`
	SeatsAtNextStop       int                `json:"seatsAtNextStop"`
	Seq                   uint64             `json:"seq"`
	StartedAt             time.Time          `json:"startedAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
}

// Run is the progress state machine for one vehicle traversing one route.
// All transitions are serialized by mu.
type Run struct {
	id       string
	key      RunKey
	route    transit.Route
	capacity int
	now      func() time.Time

	mu        sync.Mutex
	state     State
	current   int
	onboard   int
	departed  int
	seatsNext []int  // per stop: seats reported for the stop after it
	reported  []bool // per stop: whether seatsNext holds a report
	seq       uint64
	closed    bool
	startedAt time.Time
	updatedAt time.Time
}

func NewRun(key RunKey, route transit.Route, capacity int, now func() time.Time) (*Run, error) {
	if route.ID() != key.RouteID {
		return nil, fmt.Errorf("run %s: route %s does not match", key, route.ID())
	}
	if route.Len() == 0 {
		return nil, fmt.Errorf("run %s: route has no stops", key)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("run %s: capacity must be positive, got %d", key, capacity)
	}
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Run{
		id:        uuid.NewString(),
		key:       key,
		route:     route,
		capacity:  capacity,
		now:       now,
		state:     StateAtStop,
		seatsNext: make([]int, route.Len()),
		reported:  make([]bool, route.Len()),
		startedAt: t,
		updatedAt: t,
	}, nil
}

func (r *Run) ID() string           { return r.id }
func (r *Run) Key() RunKey          { return r.key }
func (r *Run) Route() transit.Route { return r.route }

func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// SetOnboard sets the initial passenger count. Only legal at the first stop.
func (r *Run) SetOnboard(count int) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkActive(); err != nil {
		return Event{}, err
	}
	if r.current != 0 {
		return Event{}, fmt.Errorf("%w: onboard count can only be set at the first stop (at stop %d)", ErrInvalidState, r.current)
	}
	if count < 0 || count > r.capacity {
		return Event{}, fmt.Errorf("%w: onboard %d outside 0..%d", ErrCapacityViolation, count, r.capacity)
	}
	r.onboard = count
	return r.emitLocked(EventOnboardSet, r.current, r.current, 0), nil
}

// RecordDeparture removes count passengers at the current stop.
func (r *Run) RecordDeparture(count int) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkActive(); err != nil {
		return Event{}, err
	}
	if count < 0 || count > r.onboard {
		return Event{}, fmt.Errorf("%w: %d departures with %d onboard", ErrCapacityViolation, count, r.onboard)
	}
	r.onboard -= count
	r.departed += count
	return r.emitLocked(EventDeparture, r.current, r.current, 0), nil
}

// ReportNextStopSeats records the seats that will be free at the next stop
// and yields the event that notifies that stop's subscribers.
func (r *Run) ReportNextStopSeats(count int) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkActive(); err != nil {
		return Event{}, err
	}
	if r.current >= r.route.Len()-1 {
		return Event{}, fmt.Errorf("%w: no stop after %d", ErrAlreadyAtFinalStop, r.current)
	}
	if count < 0 || count > r.capacity {
		return Event{}, fmt.Errorf("%w: seats %d outside 0..%d", ErrCapacityViolation, count, r.capacity)
	}
	r.seatsNext[r.current] = count
	r.reported[r.current] = true
	ev := r.emitLocked(EventSeatsReported, r.current, r.current+1, count)
	ev.SeatsKnown = true
	return ev, nil
}

// Advance moves the run to the next stop.
func (r *Run) Advance() (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkActive(); err != nil {
		return Event{}, err
	}
	if r.current >= r.route.Len()-1 {
		return Event{}, fmt.Errorf("%w: stop %d of %d", ErrAlreadyAtFinalStop, r.current, r.route.Len())
	}
	from := r.current
	r.current++
	r.departed = 0
	r.seatsNext[r.current] = 0
	r.reported[r.current] = false
	ev := r.emitLocked(EventArrived, from, r.current, r.seatsNext[from])
	ev.SeatsKnown = r.reported[from]
	return ev, nil
}

// Complete ends the traversal. Only legal at the final stop.
func (r *Run) Complete() (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkActive(); err != nil {
		return Event{}, err
	}
	if r.current != r.route.Len()-1 {
		return Event{}, fmt.Errorf("%w: cannot complete at stop %d of %d", ErrInvalidState, r.current, r.route.Len())
	}
	r.state = StateCompleted
	return r.emitLocked(EventCompleted, r.current, r.current, 0), nil
}

// close detaches the run from its manager; later commands are rejected.
func (r *Run) close() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.snapshotLocked()
}

func (r *Run) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatedAt
}

func (r *Run) checkActive() error {
	if r.closed {
		return fmt.Errorf("%w: %s", ErrRunNotFound, r.key)
	}
	if r.state == StateCompleted {
		return fmt.Errorf("%w: run %s is completed", ErrInvalidState, r.id)
	}
	return nil
}

func (r *Run) emitLocked(kind EventKind, from, to, seats int) Event {
	r.seq++
	r.updatedAt = r.now()
	fromStop, _ := r.route.Stop(from)
	toStop, _ := r.route.Stop(to)
	return Event{
		ID:    fmt.Sprintf("%s:%d", r.id, r.seq),
		Kind:  kind,
		From:  fromStop,
		To:    toStop,
		Seats: seats,
		At:    r.updatedAt,
		Run:   r.snapshotLocked(),
	}
}

func (r *Run) snapshotLocked() Snapshot {
	cur, _ := r.route.Stop(r.current)
	return Snapshot{
		RunID:                 r.id,
		RouteID:               r.key.RouteID,
		VehicleID:             r.key.VehicleID,
		State:                 r.state,
		CurrentStop:           r.current,
		CurrentStopID:         cur.ID,
		CurrentStopLabel:      cur.Label,
		Coord:                 cur.Coord,
		StopCount:             r.route.Len(),
		Capacity:              r.capacity,
		Onboard:               r.onboard,
		DepartedAtCurrentStop: r.departed,
		AvailableSeats:        r.capacity - r.onboard,
		SeatsAtNextStop:       r.seatsNext[r.current],
		Seq:                   r.seq,
		StartedAt:             r.startedAt,
		UpdatedAt:             r.updatedAt,
	}
}
