package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-tracker/internal/progress"
	"transit-tracker/internal/subscription"
	"transit-tracker/internal/transit"
)

type sent struct {
	target string
	msg    Message
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []sent
	fail  map[string]error
	delay time.Duration
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, target string, msg Message) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[target]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{target, msg})
	return nil
}

func (f *fakeTransport) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.target
	}
	sort.Strings(out)
	return out
}

type fixedETA struct {
	mins  int
	err   error
	calls int
}

func (e *fixedETA) Estimate(_ context.Context, prev *transit.Stop, _ transit.Stop) (int, error) {
	e.calls++
	if prev == nil {
		return 0, errors.New("no previous stop")
	}
	return e.mins, e.err
}

type countingMetrics struct {
	mu     sync.Mutex
	ok     int
	failed int
	issued int
	dups   int
}

func (m *countingMetrics) NotificationSent(_ string, ok bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.ok++
	} else {
		m.failed++
	}
}

func (m *countingMetrics) AddIssued(n int) { m.mu.Lock(); m.issued += n; m.mu.Unlock() }
func (m *countingMetrics) DuplicateEvent() { m.mu.Lock(); m.dups++; m.mu.Unlock() }

var (
	hall    = transit.Stop{ID: "hall", RouteID: "7", Order: 1, Label: "Quezon City Hall"}
	philcoa = transit.Stop{ID: "philcoa", RouteID: "7", Order: 2, Label: "Philcoa"}
)

func seatsEvent(id string, seats int) progress.Event {
	return progress.Event{
		ID:    id,
		Kind:  progress.EventSeatsReported,
		From:  hall,
		To:    philcoa,
		Seats: seats,
		Run:   progress.Snapshot{RouteID: "7", VehicleID: "bus-1"},
	}
}

func subscribe(t *testing.T, reg *subscription.Registry, device string, stop int, target string) {
	t.Helper()
	_, err := reg.Subscribe(context.Background(), device, "7", stop, target)
	require.NoError(t, err)
}

func TestHandleTransitionSeatsReported(t *testing.T) {
	reg := subscription.NewRegistry(nil, 0, nil)
	subscribe(t, reg, "a", 2, "token-a")
	subscribe(t, reg, "b", 2, "token-b")
	subscribe(t, reg, "c", 1, "token-c")

	tr := &fakeTransport{}
	eta := &fixedETA{mins: 3}
	d := NewDispatcher(reg, tr, Options{Workers: 2, ETA: eta})
	d.HandleTransition(context.Background(), seatsEvent("run:3", 4))
	d.Close()

	assert.Equal(t, []string{"token-a", "token-b"}, tr.targets())
	assert.Equal(t, "Bus already arrived at Quezon City Hall. Seats available at the next stop: 4. ETA 3 min.", tr.sent[0].msg.Body)
	assert.Equal(t, 2, tr.sent[0].msg.StopOrder)
	assert.Equal(t, 1, eta.calls)
}

func TestHandleTransitionDedupsEventID(t *testing.T) {
	reg := subscription.NewRegistry(nil, 0, nil)
	subscribe(t, reg, "a", 2, "token-a")
	tr := &fakeTransport{}
	m := &countingMetrics{}
	d := NewDispatcher(reg, tr, Options{Metrics: m})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.HandleTransition(ctx, seatsEvent("run:3", 4))
		}()
	}
	wg.Wait()
	d.HandleTransition(ctx, seatsEvent("run:4", 2))
	d.Close()

	assert.Len(t, tr.sent, 2)
	assert.Equal(t, 7, m.dups)
	assert.Equal(t, 2, m.issued)
}

func TestHandleTransitionIgnoresOtherKinds(t *testing.T) {
	reg := subscription.NewRegistry(nil, 0, nil)
	subscribe(t, reg, "a", 1, "token-a")
	tr := &fakeTransport{}
	d := NewDispatcher(reg, tr, Options{})
	for _, k := range []progress.EventKind{progress.EventOnboardSet, progress.EventDeparture, progress.EventCompleted} {
		d.HandleTransition(context.Background(), progress.Event{ID: string(k), Kind: k, To: hall, Run: progress.Snapshot{RouteID: "7"}})
	}
	d.Close()
	assert.Empty(t, tr.sent)
}

func TestHandleTransitionArrival(t *testing.T) {
	reg := subscription.NewRegistry(nil, 0, nil)
	subscribe(t, reg, "a", 2, "token-a")
	tr := &fakeTransport{}
	eta := &fixedETA{mins: 3}
	d := NewDispatcher(reg, tr, Options{ETA: eta})
	d.HandleTransition(context.Background(), progress.Event{
		ID:         "run:2",
		Kind:       progress.EventArrived,
		From:       hall,
		To:         philcoa,
		Seats:      5,
		SeatsKnown: true,
		Run:        progress.Snapshot{RouteID: "7"},
	})
	d.Close()

	require.Len(t, tr.sent, 1)
	assert.Equal(t, "Bus has arrived at Philcoa. Seats available: 5.", tr.sent[0].msg.Body)
	assert.Equal(t, 0, eta.calls)
}

func TestETAFailureOmitsETA(t *testing.T) {
	reg := subscription.NewRegistry(nil, 0, nil)
	subscribe(t, reg, "a", 2, "token-a")
	tr := &fakeTransport{}
	d := NewDispatcher(reg, tr, Options{ETA: &fixedETA{err: errors.New("provider down")}})
	d.HandleTransition(context.Background(), seatsEvent("run:3", 1))
	d.Close()

	require.Len(t, tr.sent, 1)
	assert.Equal(t, "Bus already arrived at Quezon City Hall. Seats available at the next stop: 1.", tr.sent[0].msg.Body)
}

func TestFailingTargetDoesNotBlockOthers(t *testing.T) {
	reg := subscription.NewRegistry(nil, 0, nil)
	for _, tok := range []string{"token-a", "token-b", "token-c"} {
		subscribe(t, reg, tok, 2, tok)
	}
	tr := &fakeTransport{fail: map[string]error{"token-b": errors.New("DeviceNotRegistered")}}
	m := &countingMetrics{}
	d := NewDispatcher(reg, tr, Options{Workers: 1, Metrics: m})

	res, err := d.DispatchArrival(context.Background(), "7", 2, Payload{RouteID: "7", From: hall, Stop: philcoa, Seats: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Issued)
	d.Close()

	assert.Equal(t, []string{"token-a", "token-c"}, tr.targets())
	assert.Equal(t, 2, m.ok)
	assert.Equal(t, 1, m.failed)
}

func TestDispatchReturnsBeforeDelivery(t *testing.T) {
	reg := subscription.NewRegistry(nil, 0, nil)
	subscribe(t, reg, "a", 2, "token-a")
	subscribe(t, reg, "b", 2, "token-b")
	tr := &fakeTransport{delay: 200 * time.Millisecond}
	d := NewDispatcher(reg, tr, Options{Workers: 2})

	start := time.Now()
	res, err := d.DispatchArrival(context.Background(), "7", 2, Payload{RouteID: "7", Stop: philcoa})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Issued)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Empty(t, tr.targets())

	d.Close()
	assert.Equal(t, []string{"token-a", "token-b"}, tr.targets())
}

func TestDispatchNoSubscribers(t *testing.T) {
	d := NewDispatcher(subscription.NewRegistry(nil, 0, nil), &fakeTransport{}, Options{})
	defer d.Close()
	res, err := d.DispatchArrival(context.Background(), "7", 2, Payload{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Issued)
}

func TestDispatchAfterClose(t *testing.T) {
	reg := subscription.NewRegistry(nil, 0, nil)
	subscribe(t, reg, "a", 2, "token-a")
	d := NewDispatcher(reg, &fakeTransport{}, Options{})
	d.Close()
	d.Close()
	_, err := d.DispatchArrival(context.Background(), "7", 2, Payload{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCancelledCallerStillSendsToEveryTarget(t *testing.T) {
	reg := subscription.NewRegistry(nil, 0, nil)
	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		tok := fmt.Sprintf("token-%02d", i)
		subscribe(t, reg, tok, 2, tok)
		want = append(want, tok)
	}
	tr := &fakeTransport{}
	m := &countingMetrics{}
	d := NewDispatcher(reg, tr, Options{Workers: 2, QueueSize: 1, Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.HandleTransition(ctx, seatsEvent("run:5", 4))
	d.HandleTransition(context.Background(), seatsEvent("run:5", 4))
	d.Close()

	assert.Equal(t, want, tr.targets())
	assert.Equal(t, 20, m.issued)
	assert.Equal(t, 1, m.dups)
}

type slowETA struct {
	delay time.Duration
	calls atomic.Int32
}

func (e *slowETA) Estimate(ctx context.Context, _ *transit.Stop, _ transit.Stop) (int, error) {
	e.calls.Add(1)
	select {
	case <-time.After(e.delay):
		return 2, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestSeatReportDoesNotWaitForETA(t *testing.T) {
	route, err := transit.NewRoute("7", "", []transit.Stop{
		{ID: "start", RouteID: "7", Order: 0, Coord: transit.Coordinate{Lat: 14.6500, Lon: 121.0490}},
		{ID: hall.ID, RouteID: "7", Order: 1, Label: hall.Label, Coord: transit.Coordinate{Lat: 14.6507, Lon: 121.0494}},
		{ID: philcoa.ID, RouteID: "7", Order: 2, Label: philcoa.Label, Coord: transit.Coordinate{Lat: 14.6561, Lon: 121.0600}},
	})
	require.NoError(t, err)

	reg := subscription.NewRegistry(nil, 0, nil)
	subscribe(t, reg, "a", 1, "token-a")
	subscribe(t, reg, "b", 1, "token-b")
	tr := &fakeTransport{}
	eta := &slowETA{delay: 300 * time.Millisecond}
	d := NewDispatcher(reg, tr, Options{Workers: 2, ETA: eta})

	mgr := progress.NewManager(transit.NewMemoryStore(route), progress.ManagerOptions{
		Capacity: 10,
		Sinks:    []progress.EventSink{d},
	})
	key := progress.RunKey{RouteID: "7", VehicleID: "bus-1"}
	ctx := context.Background()
	_, _, err = mgr.Start(ctx, key)
	require.NoError(t, err)

	start := time.Now()
	_, err = mgr.ReportNextStopSeats(ctx, key, 4)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	d.Close()
	require.Len(t, tr.sent, 2)
	for _, s := range tr.sent {
		assert.Equal(t, "Bus already arrived at start. Seats available at the next stop: 4. ETA 2 min.", s.msg.Body)
	}
	assert.Equal(t, int32(1), eta.calls.Load())
}
