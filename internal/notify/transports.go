package notify

import (
	"context"
	"log"
)

// NotificationPublisher is the NATS side of the event publisher.
type NotificationPublisher interface {
	PublishNotification(target string, v any) error
}

// NATSTransport publishes each notification on notify.<target>.
type NATSTransport struct {
	pub NotificationPublisher
}

func NewNATSTransport(pub NotificationPublisher) *NATSTransport {
	return &NATSTransport{pub: pub}
}

func (t *NATSTransport) Name() string { return "nats" }

func (t *NATSTransport) Send(_ context.Context, target string, msg Message) error {
	return t.pub.PublishNotification(target, msg)
}

// LogTransport only logs. It is the default when no push backend is set up.
type LogTransport struct{}

func (LogTransport) Name() string { return "log" }

func (LogTransport) Send(_ context.Context, target string, msg Message) error {
	log.Printf("notify %s: %s | %s", target, msg.Title, msg.Body)
	return nil
}
