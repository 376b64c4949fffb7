package notify

import (
	"fmt"
	"strings"
	"time"

	"transit-tracker/internal/progress"
	"transit-tracker/internal/transit"
)

// Payload is what a dispatch knows about the transition it announces.
// ETAMinutes is only meaningful when HasETA is set. Arrivals carry Seats
// only when SeatsKnown is set; seat reports always carry them.
type Payload struct {
	EventID    string             `json:"eventId"`
	Kind       progress.EventKind `json:"kind"`
	RouteID    string             `json:"routeId"`
	From       transit.Stop       `json:"from"`
	Stop       transit.Stop       `json:"stop"`
	Seats      int                `json:"seats"`
	SeatsKnown bool               `json:"seatsKnown"`
	ETAMinutes int                `json:"etaMinutes,omitempty"`
	HasETA     bool               `json:"hasEta"`
	At         time.Time          `json:"at"`
}

// Message is the rendered notification handed to a transport.
type Message struct {
	EventID    string `json:"eventId"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	RouteID    string `json:"routeId"`
	StopOrder  int    `json:"stopOrder"`
	Seats      int    `json:"seats"`
	SeatsKnown bool   `json:"seatsKnown"`
}

func label(s transit.Stop) string {
	if s.Label != "" {
		return s.Label
	}
	return s.ID
}

// FormatMessage renders the rider-facing text for a dispatch.
func FormatMessage(p Payload) Message {
	var title, body string
	switch p.Kind {
	case progress.EventArrived:
		title = fmt.Sprintf("Bus arrived at %s", label(p.Stop))
		body = fmt.Sprintf("Bus has arrived at %s.", label(p.Stop))
		if p.SeatsKnown {
			body += fmt.Sprintf(" Seats available: %d.", p.Seats)
		}
	default:
		title = fmt.Sprintf("Bus approaching %s", label(p.Stop))
		var b strings.Builder
		fmt.Fprintf(&b, "Bus already arrived at %s. Seats available at the next stop: %d.", label(p.From), p.Seats)
		if p.HasETA {
			fmt.Fprintf(&b, " ETA %d min.", p.ETAMinutes)
		}
		body = b.String()
	}
	return Message{
		EventID:    p.EventID,
		Title:      title,
		Body:       body,
		RouteID:    p.RouteID,
		StopOrder:  p.Stop.Order,
		Seats:      p.Seats,
		SeatsKnown: p.SeatsKnown || p.Kind != progress.EventArrived,
	}
}
