package httpapi

import (
	"fmt"
	"net/http"

	"transit-tracker/internal/subscription"
	"transit-tracker/internal/transit"
)

type subscribeRequest struct {
	DeviceKey string `json:"deviceKey" validate:"required"`
	RouteID   string `json:"routeId" validate:"required"`
	StopOrder *int   `json:"stopOrder" validate:"required,min=0"`
	Target    string `json:"target" validate:"required"`
}

type unsubscribeRequest struct {
	DeviceKey string `json:"deviceKey" validate:"required"`
	RouteID   string `json:"routeId" validate:"required"`
	StopOrder *int   `json:"stopOrder" validate:"required,min=0"`
}

// Subscribe handles POST /api/subscriptions
// Returns 201 for a new subscription and 200 with the existing one on repeat.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.stopExists(w, r, req.RouteID, *req.StopOrder) {
		return
	}
	sub, err := h.subs.Subscribe(r.Context(), req.DeviceKey, req.RouteID, *req.StopOrder, req.Target)
	switch {
	case subscription.IsAlreadySubscribed(err):
		writeJSON(w, http.StatusOK, sub)
	case err != nil:
		writeDomainError(w, err)
	default:
		writeJSON(w, http.StatusCreated, sub)
	}
}

// Unsubscribe handles DELETE /api/subscriptions
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	removed, err := h.subs.Unsubscribe(r.Context(), req.DeviceKey, req.RouteID, *req.StopOrder)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "subscription not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stopExists rejects subscriptions to routes or stops that do not exist.
func (h *Handler) stopExists(w http.ResponseWriter, r *http.Request, routeID string, order int) bool {
	route, err := transit.LoadRoute(r.Context(), h.routes, routeID)
	if err != nil {
		writeDomainError(w, err)
		return false
	}
	if _, ok := route.Stop(order); !ok {
		writeDomainError(w, fmt.Errorf("%w: route %s has no stop %d", subscription.ErrInvalid, routeID, order))
		return false
	}
	return true
}
