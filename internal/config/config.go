package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	SeedFile    string
	HTTPAddr    string `validate:"required"`
	MetricsAddr string
	CORSOrigins []string `validate:"min=1"`

	SeatCapacity int `validate:"min=1"`

	RoutingProvider string `validate:"oneof=ors osrm"`
	RoutingBaseURL  string `validate:"omitempty,url"`
	RoutingAPIKey   string
	RoutingProfile  string
	RoutingTimeout  time.Duration `validate:"gt=0"`
	ETACacheSize    int           `validate:"min=1"`

	NotifyTransport string `validate:"oneof=log expo nats amqp"`
	ExpoPushURL     string `validate:"omitempty,url"`
	ExpoAccessToken string
	NATSURL         string `validate:"required_if=NotifyTransport nats"`
	AMQPURL         string `validate:"required_if=NotifyTransport amqp"`
	AMQPExchange    string `validate:"required_if=NotifyTransport amqp"`
	PublishEvents   bool
	LogNATSSubjects bool

	DispatchWorkers int           `validate:"min=1"`
	DispatchQueue   int           `validate:"min=1"`
	SendTimeout     time.Duration `validate:"gt=0"`

	SubscriptionTTL    time.Duration `validate:"min=0"`
	PruneInterval      time.Duration `validate:"gt=0"`
	RunIdleTimeout     time.Duration `validate:"min=0"`
	ReapInterval       time.Duration `validate:"gt=0"`
	ShutdownTimeout    time.Duration `validate:"gt=0"`
	ReadHeaderTimeout  time.Duration `validate:"gt=0"`
	RouteWarmupOnStart bool
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error

	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	cfg.SeedFile = getenvDefault("SEED_FILE", "routes.yaml")
	if v, ok := os.LookupEnv("SEED_FILE"); ok && strings.TrimSpace(v) == "" {
		cfg.SeedFile = ""
	}
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.CORSOrigins = splitList(getenvDefault("CORS_ORIGINS", "*"))

	if cfg.SeatCapacity, err = intEnv("SEAT_CAPACITY", 49); err != nil {
		return nil, err
	}

	cfg.RoutingProvider = strings.ToLower(getenvDefault("ROUTING_PROVIDER", "ors"))
	cfg.RoutingBaseURL = os.Getenv("ROUTING_BASE_URL")
	cfg.RoutingAPIKey = firstNonEmpty(os.Getenv("ROUTING_API_KEY"), os.Getenv("ORS_API_KEY"))
	cfg.RoutingProfile = os.Getenv("ROUTING_PROFILE")
	if cfg.RoutingTimeout, err = durationEnv("ROUTING_TIMEOUT_MS", 8000, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ETACacheSize, err = intEnv("ETA_CACHE_SIZE", 1024); err != nil {
		return nil, err
	}

	cfg.NotifyTransport = strings.ToLower(getenvDefault("NOTIFY_TRANSPORT", "log"))
	cfg.ExpoPushURL = os.Getenv("EXPO_PUSH_URL")
	cfg.ExpoAccessToken = os.Getenv("EXPO_ACCESS_TOKEN")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.AMQPURL = os.Getenv("AMQP_URL")
	cfg.AMQPExchange = getenvDefault("AMQP_EXCHANGE", "rider.notifications")
	cfg.PublishEvents = boolEnv("PUBLISH_EVENTS")
	// Debug logging for NATS publish subjects
	cfg.LogNATSSubjects = boolEnv("LOG_NATS_SUBJECTS")

	if cfg.DispatchWorkers, err = intEnv("DISPATCH_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.DispatchQueue, err = intEnv("DISPATCH_QUEUE", 256); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = durationEnv("SEND_TIMEOUT_MS", 5000, time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.SubscriptionTTL, err = durationEnv("SUBSCRIPTION_TTL_MIN", 360, time.Minute); err != nil {
		return nil, err
	}
	if cfg.PruneInterval, err = durationEnv("PRUNE_INTERVAL_SEC", 300, time.Second); err != nil {
		return nil, err
	}
	if cfg.RunIdleTimeout, err = durationEnv("RUN_IDLE_TIMEOUT_MIN", 120, time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReapInterval, err = durationEnv("REAP_INTERVAL_SEC", 60, time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT_SEC", 10, time.Second); err != nil {
		return nil, err
	}
	cfg.ReadHeaderTimeout = 5 * time.Second
	cfg.RouteWarmupOnStart = boolEnv("ROUTE_WARMUP")

	if cfg.PublishEvents && cfg.NATSURL == "" {
		cfg.NATSURL = "nats://127.0.0.1:4222"
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func intEnv(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func durationEnv(k string, def int, unit time.Duration) (time.Duration, error) {
	n, err := intEnv(k, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

func boolEnv(k string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
