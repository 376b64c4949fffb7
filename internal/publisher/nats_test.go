package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-tracker/internal/progress"
	"transit-tracker/internal/transit"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

type fakeMetrics struct {
	published, errs, observed int
}

func (f *fakeMetrics) NATSPublishedInc()            { f.published++ }
func (f *fakeMetrics) NATSPublishErrInc()           { f.errs++ }
func (f *fakeMetrics) PublishObserve(time.Duration) { f.observed++ }
func (f *fakeMetrics) NATSSetConnected(bool)        {}

func TestSubjectToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"7", "7"},
		{" QC Hall ", "QC_Hall"},
		{"a.b>c*d/e", "a_b_c_d_e"},
		{"", "_"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, subjectToken(tc.in), tc.in)
	}
	assert.Equal(t, "runs.7.bus_1", TransitionSubject("7", "bus.1"))
	assert.Equal(t, "notify.ExponentPushToken[abc]", NotificationSubject("ExponentPushToken[abc]"))
}

func TestHandleTransitionPublishesEvent(t *testing.T) {
	fc := &fakeConn{}
	m := &fakeMetrics{}
	p := &NATSPublisher{out: fc, metrics: m}
	at := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	p.HandleTransition(context.Background(), progress.Event{
		ID:    "run-1:2",
		Kind:  progress.EventArrived,
		From:  transit.Stop{Order: 0},
		To:    transit.Stop{ID: "sunken", Order: 1, Label: "Sunken Garden"},
		Seats: 3,
		At:    at,
		Run:   progress.Snapshot{RunID: "run-1", RouteID: "7", VehicleID: "bus-1", Onboard: 7, AvailableSeats: 3},
	})

	require.Len(t, fc.msgs, 1)
	assert.Equal(t, "runs.7.bus-1", fc.msgs[0].subject)
	var msg TransitionMessage
	require.NoError(t, json.Unmarshal(fc.msgs[0].data, &msg))
	assert.Equal(t, "run-1:2", msg.EventID)
	assert.Equal(t, progress.EventArrived, msg.Kind)
	assert.Equal(t, 1, msg.Stop)
	assert.Equal(t, "Sunken Garden", msg.StopLabel)
	assert.Equal(t, 3, msg.Available)
	assert.True(t, at.Equal(msg.Timestamp))
	assert.Equal(t, 1, m.published)
	assert.Equal(t, 1, m.observed)
}

func TestPublishErrorCounted(t *testing.T) {
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	m := &fakeMetrics{}
	p := &NATSPublisher{out: fc, metrics: m}
	require.Error(t, p.PublishNotification("tok", map[string]string{"body": "x"}))
	assert.Equal(t, 1, m.errs)
	assert.Equal(t, 0, m.published)
}
