package progress

import (
	"context"
	"time"

	"transit-tracker/internal/transit"
)

type EventKind string

const (
	EventOnboardSet    EventKind = "onboard_set"
	EventDeparture     EventKind = "departure"
	EventSeatsReported EventKind = "seats_reported"
	EventArrived       EventKind = "arrived"
	EventCompleted     EventKind = "completed"
)

// Event is emitted once by every committed transition. From is the stop the
// vehicle was at when the command ran; To is the stop the event concerns
// (the stop being approached for seat reports, the new stop for arrivals).
// An arrival has SeatsKnown only when seats were reported at the stop it left.
type Event struct {
	ID         string       `json:"id"`
	Kind       EventKind    `json:"kind"`
	From       transit.Stop `json:"from"`
	To         transit.Stop `json:"to"`
	Seats      int          `json:"seats"`
	SeatsKnown bool         `json:"seatsKnown"`
	At         time.Time    `json:"at"`
	Run        Snapshot     `json:"run"`
}

// EventSink consumes committed transitions. Implementations must not block
// for long; the conductor's request waits on them.
type EventSink interface {
	HandleTransition(ctx context.Context, ev Event)
}
