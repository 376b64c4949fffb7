package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"transit-tracker/internal/db"
	"transit-tracker/internal/progress"
	"transit-tracker/internal/subscription"
	"transit-tracker/internal/transit"
)

// RouteStore is the read side of route geometry.
type RouteStore interface {
	transit.StopLister
	transit.RouteLister
}

type PathResolver interface {
	Resolve(ctx context.Context, routeID string, coords []transit.Coordinate) (transit.CachedPath, error)
}

// Tracker applies conductor commands to active runs.
type Tracker interface {
	Start(ctx context.Context, key progress.RunKey) (progress.Snapshot, bool, error)
	Get(key progress.RunKey) (*progress.Run, bool)
	Snapshots() []progress.Snapshot
	End(ctx context.Context, key progress.RunKey, reason string) (progress.Snapshot, error)
	SetOnboard(ctx context.Context, key progress.RunKey, count int) (progress.Event, error)
	RecordDeparture(ctx context.Context, key progress.RunKey, count int) (progress.Event, error)
	ReportNextStopSeats(ctx context.Context, key progress.RunKey, count int) (progress.Event, error)
	Advance(ctx context.Context, key progress.RunKey) (progress.Event, error)
	Complete(ctx context.Context, key progress.RunKey) (progress.Event, error)
}

type ETAEstimator interface {
	Estimate(ctx context.Context, prev *transit.Stop, cur transit.Stop) (int, error)
}

type Subscriptions interface {
	Subscribe(ctx context.Context, deviceKey, routeID string, stopOrder int, target string) (subscription.Subscription, error)
	Unsubscribe(ctx context.Context, deviceKey, routeID string, stopOrder int) (bool, error)
}

// RunArchive lists ended runs. Optional.
type RunArchive interface {
	ArchivedRuns(ctx context.Context, routeID string, limit int) ([]db.ArchivedRun, error)
}

type Options struct {
	Routes        RouteStore
	Paths         PathResolver
	Runs          Tracker
	ETA           ETAEstimator
	Subscriptions Subscriptions
	Archive       RunArchive
	Feed          http.Handler
	CORSOrigins   []string
}

// Handler serves the conductor and rider HTTP API.
type Handler struct {
	routes   RouteStore
	paths    PathResolver
	runs     Tracker
	eta      ETAEstimator
	subs     Subscriptions
	archive  RunArchive
	validate *validator.Validate
	now      func() time.Time
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func NewHandler(o Options) *Handler {
	return &Handler{
		routes:   o.Routes,
		paths:    o.Paths,
		runs:     o.Runs,
		eta:      o.ETA,
		subs:     o.Subscriptions,
		archive:  o.Archive,
		validate: validator.New(),
		now:      time.Now,
	}
}

// NewRouter wires every endpoint onto a chi router.
func NewRouter(o Options) http.Handler {
	h := NewHandler(o)
	origins := o.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", h.Health)

	r.Get("/api/routes", h.ListRoutes)
	r.Get("/api/routes/{routeID}/stops", h.ListStops)
	r.Get("/api/routes/{routeID}/path", h.GetPath)
	if h.archive != nil {
		r.Get("/api/routes/{routeID}/runs", h.ListArchivedRuns)
	}

	r.Post("/api/runs", h.StartRun)
	r.Get("/api/runs", h.ListRuns)
	r.Route("/api/runs/{routeID}/{vehicleID}", func(r chi.Router) {
		r.Get("/", h.GetRun)
		r.Delete("/", h.EndRun)
		r.Post("/onboard", h.countCommand(h.runs.SetOnboard))
		r.Post("/departures", h.countCommand(h.runs.RecordDeparture))
		r.Post("/next-stop-seats", h.countCommand(h.runs.ReportNextStopSeats))
		r.Post("/advance", h.command(h.runs.Advance))
		r.Post("/complete", h.command(h.runs.Complete))
		r.Get("/eta", h.GetETA)
	})

	r.Post("/api/subscriptions", h.Subscribe)
	r.Delete("/api/subscriptions", h.Unsubscribe)

	if o.Feed != nil {
		r.Method(http.MethodGet, "/gtfs-rt/vehicle-positions", o.Feed)
	}
	return r
}

// Health handles GET /health
// Reports unavailable when the route store cannot be read.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.routes.ListRoutes(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": h.now().UTC(),
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"database":  "connected",
		"timestamp": h.now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, progress.ErrCapacityViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, progress.ErrInvalidState), errors.Is(err, progress.ErrAlreadyAtFinalStop):
		return http.StatusConflict
	case errors.Is(err, progress.ErrRunNotFound), errors.Is(err, transit.ErrRouteNotFound):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := http.StatusText(status)
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, msg, map[string]any{"internal": err.Error()})
}

// decode reads a JSON body into v and checks its validate tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", map[string]any{"internal": err.Error()})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", map[string]any{"internal": err.Error()})
		return false
	}
	return true
}
