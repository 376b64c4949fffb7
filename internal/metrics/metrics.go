package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every tracker metric. A nil *Collector is valid and
// records nothing, so components can take one unconditionally.
type Collector struct {
	reg *prometheus.Registry

	ActiveRuns  prometheus.Gauge
	RunsStarted prometheus.Counter
	RunsEnded   *prometheus.CounterVec // reason: offline|completed|idle|shutdown
	Transitions *prometheus.CounterVec // kind
	Rejections  *prometheus.CounterVec // reason: not_found|capacity|final_stop|invalid_state

	ActiveSubscriptions prometheus.Gauge
	PrunedSubscriptions prometheus.Counter

	NotificationsIssued prometheus.Counter
	NotificationsSent   *prometheus.CounterVec // transport, result
	NotifyDuration      prometheus.Histogram
	DuplicateEvents     prometheus.Counter

	RoutingRequests *prometheus.CounterVec // provider, result
	RoutingDuration prometheus.Histogram
	CacheLookups    *prometheus.CounterVec // result: hit|miss|stale|error

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	SeatCapacity prometheus.Gauge
}

func NewCollector(seatCapacity int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_runs",
			Help: "Number of vehicle runs currently tracked.",
		}),
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_runs_started_total",
			Help: "Total runs started.",
		}),
		RunsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_runs_ended_total",
			Help: "Total runs ended, by reason.",
		}, []string{"reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_transitions_total",
			Help: "Committed run transitions, by kind.",
		}, []string{"kind"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_rejected_commands_total",
			Help: "Rejected conductor commands, by reason.",
		}, []string{"reason"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_subscriptions",
			Help: "Number of registered stop subscriptions.",
		}),
		PrunedSubscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_subscriptions_pruned_total",
			Help: "Subscriptions removed by TTL expiry.",
		}),
		NotificationsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_notifications_issued_total",
			Help: "Send jobs issued to the dispatch pool.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_notifications_sent_total",
			Help: "Notification send attempts, by transport and result.",
		}, []string{"transport", "result"}),
		NotifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_notify_duration_seconds",
			Help:    "Duration of a single notification send.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		DuplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_duplicate_events_total",
			Help: "Transitions delivered more than once and suppressed.",
		}),
		RoutingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_routing_requests_total",
			Help: "Routing provider requests, by provider and result.",
		}, []string{"provider", "result"}),
		RoutingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_routing_duration_seconds",
			Help:    "Routing provider request latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_route_cache_lookups_total",
			Help: "Route cache lookups, by result.",
		}, []string{"result"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SeatCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_seat_capacity",
			Help: "Configured seats per vehicle.",
		}),
	}

	reg.MustRegister(
		c.ActiveRuns, c.RunsStarted, c.RunsEnded, c.Transitions, c.Rejections,
		c.ActiveSubscriptions, c.PrunedSubscriptions,
		c.NotificationsIssued, c.NotificationsSent, c.NotifyDuration, c.DuplicateEvents,
		c.RoutingRequests, c.RoutingDuration, c.CacheLookups,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.SeatCapacity,
	)

	c.SeatCapacity.Set(float64(seatCapacity))

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.RunsStarted.Inc()
}

func (c *Collector) RunEnded(reason string) {
	if c == nil {
		return
	}
	c.RunsEnded.WithLabelValues(reason).Inc()
}

func (c *Collector) SetActiveRuns(n int) {
	if c == nil {
		return
	}
	c.ActiveRuns.Set(float64(n))
}

func (c *Collector) Transition(kind string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(kind).Inc()
}

func (c *Collector) Rejected(reason string) {
	if c == nil {
		return
	}
	c.Rejections.WithLabelValues(reason).Inc()
}

func (c *Collector) SubscriptionsActive(n int) {
	if c == nil {
		return
	}
	c.ActiveSubscriptions.Set(float64(n))
}

func (c *Collector) SubscriptionsPruned(n int) {
	if c == nil {
		return
	}
	c.PrunedSubscriptions.Add(float64(n))
}

func (c *Collector) NotificationSent(transport string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	c.NotificationsSent.WithLabelValues(transport, result(ok)).Inc()
	c.NotifyDuration.Observe(d.Seconds())
}

func (c *Collector) AddIssued(n int) {
	if c == nil {
		return
	}
	c.NotificationsIssued.Add(float64(n))
}

func (c *Collector) DuplicateEvent() {
	if c == nil {
		return
	}
	c.DuplicateEvents.Inc()
}

func (c *Collector) RoutingRequest(provider string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	c.RoutingRequests.WithLabelValues(provider, result(ok)).Inc()
	c.RoutingDuration.Observe(d.Seconds())
}

func (c *Collector) CacheLookup(res string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(res).Inc()
}
