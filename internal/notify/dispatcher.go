package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/sync/errgroup"

	"transit-tracker/internal/progress"
	"transit-tracker/internal/transit"
)

var ErrClosed = errors.New("dispatcher closed")

// Transport delivers one message to one target.
type Transport interface {
	Name() string
	Send(ctx context.Context, target string, msg Message) error
}

type Subscribers interface {
	SubscribersFor(routeID string, stopOrder int) []string
}

type ETAEstimator interface {
	Estimate(ctx context.Context, prev *transit.Stop, cur transit.Stop) (int, error)
}

type Metrics interface {
	NotificationSent(transport string, ok bool, d time.Duration)
	AddIssued(n int)
	DuplicateEvent()
}

type Options struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	DedupSize   int
	ETA         ETAEstimator
	Metrics     Metrics
}

// Result reports how many send jobs a dispatch issued.
type Result struct {
	Issued int `json:"issued"`
}

// pending is one dispatch shared by all of its send jobs. The first worker
// to pick a job resolves the ETA and renders the message; the others reuse it.
type pending struct {
	once    sync.Once
	payload Payload
	resolve func(*Payload)
	msg     Message
}

func (p *pending) message() Message {
	p.once.Do(func() {
		if p.resolve != nil {
			p.resolve(&p.payload)
		}
		p.msg = FormatMessage(p.payload)
	})
	return p.msg
}

type job struct {
	target string
	p      *pending
}

// Dispatcher fans transitions out to subscribed targets over a fixed pool
// of workers. A failed send only affects its own target.
type Dispatcher struct {
	subs        Subscribers
	transport   Transport
	eta         ETAEstimator
	metrics     Metrics
	sendTimeout time.Duration

	dedupMu sync.Mutex
	seen    gcache.Cache

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	group  errgroup.Group
}

func NewDispatcher(subs Subscribers, t Transport, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = 4096
	}
	d := &Dispatcher{
		subs:        subs,
		transport:   t,
		eta:         opts.ETA,
		metrics:     opts.Metrics,
		sendTimeout: opts.SendTimeout,
		seen:        gcache.New(opts.DedupSize).LRU().Build(),
		jobs:        make(chan job, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.group.Go(d.work)
	}
	return d
}

// HandleTransition turns arrivals and seat reports into a dispatch to the
// stop they concern. Each event ID is dispatched at most once. The event is
// already committed, so the caller's cancellation does not stop the sends,
// and the ETA lookup happens on the workers.
func (d *Dispatcher) HandleTransition(_ context.Context, ev progress.Event) {
	if ev.Kind != progress.EventArrived && ev.Kind != progress.EventSeatsReported {
		return
	}
	if !d.firstDelivery(ev.ID) {
		if d.metrics != nil {
			d.metrics.DuplicateEvent()
		}
		return
	}

	p := &pending{payload: Payload{
		EventID:    ev.ID,
		Kind:       ev.Kind,
		RouteID:    ev.Run.RouteID,
		From:       ev.From,
		Stop:       ev.To,
		Seats:      ev.Seats,
		SeatsKnown: ev.SeatsKnown,
		At:         ev.At,
	}}
	if ev.Kind == progress.EventSeatsReported && d.eta != nil {
		p.resolve = d.resolveETA
	}

	res, err := d.dispatch(p.payload.RouteID, ev.To.Order, p)
	if err != nil {
		log.Printf("dispatch event %s error: %v", ev.ID, err)
		return
	}
	if res.Issued > 0 {
		log.Printf("event %s: issued %d notifications for route %s stop %d", ev.ID, res.Issued, p.payload.RouteID, ev.To.Order)
	}
}

func (d *Dispatcher) resolveETA(p *Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	from := p.From
	mins, err := d.eta.Estimate(ctx, &from, p.Stop)
	if err != nil {
		log.Printf("eta for route %s stop %d unavailable: %v", p.RouteID, p.Stop.Order, err)
		return
	}
	p.ETAMinutes, p.HasETA = mins, true
}

func (d *Dispatcher) firstDelivery(eventID string) bool {
	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()
	if _, err := d.seen.Get(eventID); err == nil {
		return false
	}
	_ = d.seen.Set(eventID, struct{}{})
	return true
}

// DispatchArrival enqueues one send per distinct subscriber of the stop and
// returns once all of them are issued. It does not wait for delivery. Only a
// closed dispatcher refuses the dispatch; a full queue makes it wait.
func (d *Dispatcher) DispatchArrival(_ context.Context, routeID string, stopOrder int, p Payload) (Result, error) {
	return d.dispatch(routeID, stopOrder, &pending{payload: p})
}

func (d *Dispatcher) dispatch(routeID string, stopOrder int, p *pending) (Result, error) {
	targets := d.subs.SubscribersFor(routeID, stopOrder)
	if len(targets) == 0 {
		return Result{}, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Result{}, ErrClosed
	}
	for _, t := range targets {
		d.jobs <- job{target: t, p: p}
	}
	if d.metrics != nil {
		d.metrics.AddIssued(len(targets))
	}
	return Result{Issued: len(targets)}, nil
}

func (d *Dispatcher) work() error {
	for j := range d.jobs {
		d.send(j)
	}
	return nil
}

func (d *Dispatcher) send(j job) {
	msg := j.p.message()
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	start := time.Now()
	err := d.transport.Send(ctx, j.target, msg)
	if d.metrics != nil {
		d.metrics.NotificationSent(d.transport.Name(), err == nil, time.Since(start))
	}
	if err != nil {
		log.Printf("notify %s via %s failed (event %s): %v", j.target, d.transport.Name(), msg.EventID, err)
	}
}

// Close stops intake and waits for every issued send to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	_ = d.group.Wait()
}
