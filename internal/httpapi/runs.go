package httpapi

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"transit-tracker/internal/progress"
	"transit-tracker/internal/transit"
)

type startRunRequest struct {
	RouteID   string `json:"routeId" validate:"required"`
	VehicleID string `json:"vehicleId" validate:"required"`
}

type countRequest struct {
	Count *int `json:"count" validate:"required"`
}

type listRunsResponse struct {
	Runs  []progress.Snapshot `json:"runs"`
	Count int                 `json:"count"`
}

type etaResponse struct {
	RouteID   string `json:"routeId"`
	VehicleID string `json:"vehicleId"`
	FromStop  int    `json:"fromStop"`
	ToStop    int    `json:"toStop"`
	ToStopID  string `json:"toStopId"`
	Available bool   `json:"available"`
	Minutes   int    `json:"minutes"`
}

func runKey(r *http.Request) progress.RunKey {
	return progress.RunKey{
		RouteID:   chi.URLParam(r, "routeID"),
		VehicleID: chi.URLParam(r, "vehicleID"),
	}
}

// StartRun handles POST /api/runs
// Returns 201 for a new run and 200 when the vehicle already has one.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, created, err := h.runs.Start(r.Context(), progress.RunKey{RouteID: req.RouteID, VehicleID: req.VehicleID})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, snap)
}

// ListRuns handles GET /api/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.runs.Snapshots()
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs, Count: len(runs)})
}

// GetRun handles GET /api/runs/{routeID}/{vehicleID}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	key := runKey(r)
	run, ok := h.runs.Get(key)
	if !ok {
		writeDomainError(w, fmt.Errorf("%w: %s", progress.ErrRunNotFound, key))
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

// EndRun handles DELETE /api/runs/{routeID}/{vehicleID}
// The conductor going offline ends and archives the run.
func (h *Handler) EndRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.runs.End(r.Context(), runKey(r), progress.ReasonOffline)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) countCommand(fn func(context.Context, progress.RunKey, int) (progress.Event, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req countRequest
		if !h.decode(w, r, &req) {
			return
		}
		ev, err := fn(r.Context(), runKey(r), *req.Count)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func (h *Handler) command(fn func(context.Context, progress.RunKey) (progress.Event, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := fn(r.Context(), runKey(r))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

// GetETA handles GET /api/runs/{routeID}/{vehicleID}/eta
// Estimates minutes from the current stop to the next one. A provider
// failure answers 200 with available=false.
func (h *Handler) GetETA(w http.ResponseWriter, r *http.Request) {
	key := runKey(r)
	run, ok := h.runs.Get(key)
	if !ok {
		writeDomainError(w, fmt.Errorf("%w: %s", progress.ErrRunNotFound, key))
		return
	}
	snap := run.Snapshot()
	if snap.CurrentStop+1 >= snap.StopCount {
		writeDomainError(w, fmt.Errorf("%w: run %s", progress.ErrAlreadyAtFinalStop, key))
		return
	}
	route, err := transit.LoadRoute(r.Context(), h.routes, key.RouteID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	from, _ := route.Stop(snap.CurrentStop)
	to, ok := route.Stop(snap.CurrentStop + 1)
	if !ok {
		writeDomainError(w, fmt.Errorf("%w: route %s changed under run %s", progress.ErrInvalidState, key.RouteID, snap.RunID))
		return
	}
	resp := etaResponse{
		RouteID:   key.RouteID,
		VehicleID: key.VehicleID,
		FromStop:  from.Order,
		ToStop:    to.Order,
		ToStopID:  to.ID,
	}
	minutes, err := h.eta.Estimate(r.Context(), &from, to)
	if err != nil {
		log.Printf("eta for run %s unavailable: %v", snap.RunID, err)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Available = true
	resp.Minutes = minutes
	writeJSON(w, http.StatusOK, resp)
}
