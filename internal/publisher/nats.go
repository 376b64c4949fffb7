package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"transit-tracker/internal/progress"
)

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	nc          *nats.Conn
	out         conn
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("transit-tracker"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, out: nc, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// TransitionMessage is the wire form of a committed run transition.
type TransitionMessage struct {
	EventID   string             `json:"eventId"`
	Kind      progress.EventKind `json:"kind"`
	RunID     string             `json:"runId"`
	RouteID   string             `json:"routeId"`
	VehicleID string             `json:"vehicleId"`
	FromStop  int                `json:"fromStop"`
	Stop      int                `json:"stop"`
	StopID    string             `json:"stopId"`
	StopLabel string             `json:"stopLabel"`
	Seats     int                `json:"seats"`
	Onboard   int                `json:"onboard"`
	Available int                `json:"availableSeats"`
	Timestamp time.Time          `json:"timestamp"`
}

func NewTransitionMessage(ev progress.Event) TransitionMessage {
	return TransitionMessage{
		EventID:   ev.ID,
		Kind:      ev.Kind,
		RunID:     ev.Run.RunID,
		RouteID:   ev.Run.RouteID,
		VehicleID: ev.Run.VehicleID,
		FromStop:  ev.From.Order,
		Stop:      ev.To.Order,
		StopID:    ev.To.ID,
		StopLabel: ev.To.Label,
		Seats:     ev.Seats,
		Onboard:   ev.Run.Onboard,
		Available: ev.Run.AvailableSeats,
		Timestamp: ev.At,
	}
}

// TransitionSubject is runs.<route>.<vehicle>.
func TransitionSubject(routeID, vehicleID string) string {
	return fmt.Sprintf("runs.%s.%s", subjectToken(routeID), subjectToken(vehicleID))
}

// NotificationSubject is notify.<target>.
func NotificationSubject(target string) string {
	return "notify." + subjectToken(target)
}

func (p *NATSPublisher) PublishTransition(ev progress.Event) error {
	return p.publish(TransitionSubject(ev.Run.RouteID, ev.Run.VehicleID), NewTransitionMessage(ev))
}

func (p *NATSPublisher) PublishNotification(target string, v any) error {
	return p.publish(NotificationSubject(target), v)
}

// HandleTransition lets the publisher sit beside the dispatcher as a sink
// of the run manager.
func (p *NATSPublisher) HandleTransition(_ context.Context, ev progress.Event) {
	if err := p.PublishTransition(ev); err != nil {
		log.Printf("publish error for run %s event %s: %v", ev.Run.RunID, ev.ID, err)
	}
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.out.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
