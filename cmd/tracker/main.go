package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transit-tracker/internal/config"
	"transit-tracker/internal/db"
	"transit-tracker/internal/eta"
	"transit-tracker/internal/feed"
	"transit-tracker/internal/httpapi"
	"transit-tracker/internal/metrics"
	"transit-tracker/internal/notify"
	"transit-tracker/internal/progress"
	"transit-tracker/internal/publisher"
	"transit-tracker/internal/routecache"
	"transit-tracker/internal/routing"
	"transit-tracker/internal/seed"
	"transit-tracker/internal/subscription"
	"transit-tracker/internal/transit"
)

// routeStore is what every storage backend offers the rest of the service.
type routeStore interface {
	transit.StopLister
	transit.RouteLister
	seed.RouteWriter
	progress.SeatWriter
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.SeatCapacity)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	// Storage: SQL when DATABASE_URL is set, memory otherwise
	var (
		routes   routeStore
		subStore subscription.Store
		archiver progress.Archiver
		archive  httpapi.RunArchive
	)
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		if err := db.Migrate(ctx, sqlDB); err != nil {
			log.Fatalf("db migrate error: %v", err)
		}
		store := db.NewStore(sqlDB)
		routes, subStore, archiver, archive = store, store, store, store
		log.Printf("using %s database", sqlDB.Driver())
	} else {
		routes = transit.NewMemoryStore()
		log.Printf("no DATABASE_URL set, keeping state in memory")
	}

	if cfg.SeedFile != "" {
		n, err := seed.LoadFile(ctx, cfg.SeedFile, routes)
		if err != nil {
			log.Fatalf("seed %s error: %v", cfg.SeedFile, err)
		}
		log.Printf("seeded %d routes from %s", n, cfg.SeedFile)
	}

	// Routing provider, path cache and ETA estimator
	var provider routing.Provider
	switch cfg.RoutingProvider {
	case "osrm":
		provider = routing.NewOSRMClient(cfg.RoutingBaseURL, cfg.RoutingProfile, cfg.RoutingTimeout, mcol)
	default:
		if cfg.RoutingAPIKey == "" {
			log.Printf("ROUTING_API_KEY is empty; openrouteservice requests will be rejected")
		}
		provider = routing.NewORSClient(cfg.RoutingBaseURL, cfg.RoutingAPIKey, cfg.RoutingProfile, cfg.RoutingTimeout, mcol)
	}
	paths := routecache.New(provider, routecache.NewMemoryStorage(), mcol)
	estimator := eta.NewEstimator(provider, cfg.ETACacheSize)

	// Subscriptions
	subs := subscription.NewRegistry(subStore, cfg.SubscriptionTTL, mcol)
	if n, err := subs.Load(ctx); err != nil {
		log.Fatalf("load subscriptions error: %v", err)
	} else if n > 0 {
		log.Printf("restored %d subscriptions", n)
	}
	subs.StartPruner(ctx, cfg.PruneInterval)

	// NATS publisher for domain events and the nats notification transport
	var pub *publisher.NATSPublisher
	if cfg.PublishEvents || cfg.NotifyTransport == "nats" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
	}

	// Notification transport and dispatcher
	var transport notify.Transport
	switch cfg.NotifyTransport {
	case "expo":
		transport = notify.NewExpoTransport(cfg.ExpoPushURL, cfg.ExpoAccessToken, cfg.SendTimeout)
	case "nats":
		transport = notify.NewNATSTransport(pub)
	case "amqp":
		t, err := notify.NewAMQPTransport(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("amqp error: %v", err)
		}
		defer t.Close()
		transport = t
	default:
		transport = notify.LogTransport{}
	}
	dispatcher := notify.NewDispatcher(subs, transport, notify.Options{
		Workers:     cfg.DispatchWorkers,
		QueueSize:   cfg.DispatchQueue,
		SendTimeout: cfg.SendTimeout,
		ETA:         estimator,
		Metrics:     mcol,
	})
	log.Printf("notifications via %s transport", transport.Name())

	// Progress manager
	mgr := progress.NewManager(routes, progress.ManagerOptions{
		Capacity:    cfg.SeatCapacity,
		IdleTimeout: cfg.RunIdleTimeout,
		Seats:       routes,
		Archive:     archiver,
		Sinks:       []progress.EventSink{dispatcher},
		Metrics:     mcol,
	})
	if cfg.PublishEvents {
		mgr.AddSink(pub)
	}
	mgr.StartReaper(ctx, cfg.ReapInterval)

	if cfg.RouteWarmupOnStart {
		go warmRoutes(ctx, routes, paths)
	}
	// SIGHUP reloads the seed file; rewritten routes get their paths refetched
	if cfg.SeedFile != "" {
		go reloadOnHangup(ctx, cfg.SeedFile, paths.InvalidatingWriter(routes))
	}

	// HTTP API
	api := httpapi.NewRouter(httpapi.Options{
		Routes:        routes,
		Paths:         paths,
		Runs:          mgr,
		ETA:           estimator,
		Subscriptions: subs,
		Archive:       archive,
		Feed:          feed.Handler(mgr),
		CORSOrigins:   cfg.CORSOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		log.Printf("api listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("api server error: %v", err)
			cancel()
		}
	}()

	// Block until context cancelled
	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("api shutdown error: %v", err)
	}
	mgr.Stop(shutdownCtx)
	subs.Stop()
	dispatcher.Close()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("shutdown complete")
}

// warmRoutes resolves every route path once so the first rider request does
// not wait on the provider.
func warmRoutes(ctx context.Context, routes routeStore, paths *routecache.Cache) {
	list, err := routes.ListRoutes(ctx)
	if err != nil {
		log.Printf("route warmup: list routes error: %v", err)
		return
	}
	for _, rs := range list {
		route, err := transit.LoadRoute(ctx, routes, rs.ID)
		if err != nil {
			log.Printf("route warmup: %s: %v", rs.ID, err)
			continue
		}
		if _, err := paths.Resolve(ctx, rs.ID, route.Coordinates()); err != nil {
			log.Printf("route warmup: %s: %v", rs.ID, err)
			continue
		}
		if ctx.Err() != nil {
			return
		}
	}
	log.Printf("route warmup done for %d routes", len(list))
}

func reloadOnHangup(ctx context.Context, path string, w seed.RouteWriter) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		n, err := seed.LoadFile(ctx, path, w)
		if err != nil {
			log.Printf("reload %s error: %v", path, err)
			continue
		}
		log.Printf("reloaded %d routes from %s", n, path)
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
