package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"fadedreams/roadassist/issue-service/domain"
	"fadedreams/roadassist/issue-service/service"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MechanicHandler serves mechanic position routes.
type MechanicHandler struct {
	negotiation  *service.OfferNegotiation
	nearbyRadius float64
	tracer       trace.Tracer
	logger       *slog.Logger
}

func NewMechanicHandler(negotiation *service.OfferNegotiation, nearbyRadius float64, logger *slog.Logger) *MechanicHandler {
	return &MechanicHandler{
		negotiation:  negotiation,
		nearbyRadius: nearbyRadius,
		tracer:       otel.Tracer(appName),
		logger:       logger,
	}
}

type locationUpdate struct {
	Longitude *float64 `json:"longitude"`
	Latitude  *float64 `json:"latitude"`
}

// UpdateLocation handles POST /api/mechanics/location/update.
func (h *MechanicHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleUpdateLocation")
	defer span.End()

	caller := callerFrom(r)
	var in locationUpdate
	if err := decode(r, &in); err != nil {
		respondError(w, span, h.logger, "Invalid location body", err, "mechanicID", caller.ID)
		return
	}
	if in.Longitude == nil || in.Latitude == nil {
		err := fmt.Errorf("%w: longitude and latitude are required", domain.ErrValidation)
		respondError(w, span, h.logger, "Invalid location body", err, "mechanicID", caller.ID)
		return
	}
	pos, err := h.negotiation.UpdateLocation(ctx, caller, domain.NewLocation(*in.Longitude, *in.Latitude))
	if err != nil {
		respondError(w, span, h.logger, "Failed to update location", err, "mechanicID", caller.ID)
		return
	}
	span.SetAttributes(attribute.String("mechanicID", caller.ID))
	writeJSON(w, http.StatusOK, pos)
}

// UpdateStatus handles POST /api/mechanics/status/update.
func (h *MechanicHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleUpdateStatus")
	defer span.End()

	caller := callerFrom(r)
	var in struct {
		IsLive *bool `json:"isLive"`
	}
	if err := decode(r, &in); err != nil {
		respondError(w, span, h.logger, "Invalid status body", err, "mechanicID", caller.ID)
		return
	}
	if in.IsLive == nil {
		err := fmt.Errorf("%w: isLive is required", domain.ErrValidation)
		respondError(w, span, h.logger, "Invalid status body", err, "mechanicID", caller.ID)
		return
	}
	pos, err := h.negotiation.SetLive(ctx, caller, *in.IsLive)
	if err != nil {
		respondError(w, span, h.logger, "Failed to update status", err, "mechanicID", caller.ID)
		return
	}
	h.logger.Info("Mechanic status updated", "mechanicID", caller.ID, "isLive", pos.IsLive, "app", appName)
	writeJSON(w, http.StatusOK, pos)
}

// NearbyMechanics handles GET /api/mechanics/nearby.
func (h *MechanicHandler) NearbyMechanics(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleNearbyMechanics")
	defer span.End()

	caller := callerFrom(r)
	at, err := pointParam(r)
	if err == nil && at == nil {
		err = fmt.Errorf("%w: longitude and latitude are required", domain.ErrValidation)
	}
	if err != nil {
		respondError(w, span, h.logger, "Invalid coordinates", err, "callerID", caller.ID)
		return
	}
	radius, ok, err := floatParam(r, "maxDistance")
	if err != nil {
		respondError(w, span, h.logger, "Invalid maxDistance", err, "callerID", caller.ID)
		return
	}
	if !ok {
		radius = h.nearbyRadius
	}
	mechanics, err := h.negotiation.NearbyMechanics(ctx, caller, *at, radius)
	if err != nil {
		respondError(w, span, h.logger, "Failed to list nearby mechanics", err, "callerID", caller.ID)
		return
	}
	if mechanics == nil {
		mechanics = []*domain.MechanicPosition{}
	}
	span.SetAttributes(attribute.Int("mechanicCount", len(mechanics)))
	writeJSON(w, http.StatusOK, mechanics)
}
