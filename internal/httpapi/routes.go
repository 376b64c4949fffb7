package httpapi

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"transit-tracker/internal/db"
	"transit-tracker/internal/transit"
)

type listRoutesResponse struct {
	Routes []transit.RouteSummary `json:"routes"`
	Count  int                    `json:"count"`
}

type listStopsResponse struct {
	RouteID string         `json:"routeId"`
	Stops   []transit.Stop `json:"stops"`
}

// pathResponse carries the snapped geometry of a route. Available is false
// when no provider result exists yet, in which case clients draw straight
// lines between stops.
type pathResponse struct {
	RouteID        string               `json:"routeId"`
	Available      bool                 `json:"available"`
	Stale          bool                 `json:"stale"`
	Polyline       []transit.Coordinate `json:"polyline"`
	SegmentSeconds []float64            `json:"segmentSeconds"`
	TotalSeconds   float64              `json:"totalSeconds"`
	FetchedAt      *time.Time           `json:"fetchedAt,omitempty"`
}

// ListRoutes handles GET /api/routes
func (h *Handler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.routes.ListRoutes(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if routes == nil {
		routes = []transit.RouteSummary{}
	}
	writeJSON(w, http.StatusOK, listRoutesResponse{Routes: routes, Count: len(routes)})
}

// ListStops handles GET /api/routes/{routeID}/stops
// Stops carry the latest seat count reported for the stop after them.
func (h *Handler) ListStops(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeID")
	stops, err := h.routes.ListStops(r.Context(), routeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if len(stops) == 0 {
		writeError(w, http.StatusNotFound, "route not found", map[string]any{"routeId": routeID})
		return
	}
	writeJSON(w, http.StatusOK, listStopsResponse{RouteID: routeID, Stops: stops})
}

// GetPath handles GET /api/routes/{routeID}/path
func (h *Handler) GetPath(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeID")
	route, err := transit.LoadRoute(r.Context(), h.routes, routeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := pathResponse{RouteID: routeID, Polyline: []transit.Coordinate{}, SegmentSeconds: []float64{}}
	path, err := h.paths.Resolve(r.Context(), routeID, route.Coordinates())
	if err != nil {
		log.Printf("route %s path unavailable: %v", routeID, err)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Available = true
	resp.Stale = path.Stale
	resp.Polyline = path.Polyline
	for _, d := range path.SegmentDurations {
		resp.SegmentSeconds = append(resp.SegmentSeconds, d.Seconds())
	}
	resp.TotalSeconds = path.Total.Seconds()
	fetched := path.FetchedAt
	resp.FetchedAt = &fetched
	writeJSON(w, http.StatusOK, resp)
}

// ListArchivedRuns handles GET /api/routes/{routeID}/runs?limit=N
func (h *Handler) ListArchivedRuns(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", map[string]any{"limit": v})
			return
		}
		limit = n
	}
	runs, err := h.archive.ArchivedRuns(r.Context(), routeID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []db.ArchivedRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routeId": routeID, "runs": runs, "count": len(runs)})
}
