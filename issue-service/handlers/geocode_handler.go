package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"fadedreams/roadassist/issue-service/domain"
	"fadedreams/roadassist/issue-service/geocode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Geocoder interface {
	Search(ctx context.Context, query string) ([]geocode.Place, error)
	Reverse(ctx context.Context, loc domain.Location) (*geocode.Place, error)
}

// GeocodeHandler turns addresses into coordinates for the UI. A nil geocoder
// answers 503.
type GeocodeHandler struct {
	geocoder Geocoder
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewGeocodeHandler(geocoder Geocoder, logger *slog.Logger) *GeocodeHandler {
	return &GeocodeHandler{geocoder: geocoder, tracer: otel.Tracer(appName), logger: logger}
}

func (h *GeocodeHandler) unavailable(w http.ResponseWriter) bool {
	if h.geocoder != nil {
		return false
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "geocoding is not configured", "kind": domain.KindInternal})
	return true
}

// Search handles GET /api/geocode?q=.
func (h *GeocodeHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleGeocode")
	defer span.End()

	if h.unavailable(w) {
		return
	}
	query := r.URL.Query().Get("q")
	places, err := h.geocoder.Search(ctx, query)
	if err != nil {
		respondError(w, span, h.logger, "Geocoding failed", err, "query", query)
		return
	}
	span.SetAttributes(attribute.Int("placeCount", len(places)))
	writeJSON(w, http.StatusOK, places)
}

// Reverse handles GET /api/geocode/reverse?longitude=&latitude=.
func (h *GeocodeHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleReverseGeocode")
	defer span.End()

	if h.unavailable(w) {
		return
	}
	at, err := pointParam(r)
	if err == nil && at == nil {
		err = fmt.Errorf("%w: longitude and latitude are required", domain.ErrValidation)
	}
	if err != nil {
		respondError(w, span, h.logger, "Invalid coordinates", err)
		return
	}
	place, err := h.geocoder.Reverse(ctx, *at)
	if errors.Is(err, geocode.ErrNoResults) {
		err = fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	if err != nil {
		respondError(w, span, h.logger, "Reverse geocoding failed", err)
		return
	}
	writeJSON(w, http.StatusOK, place)
}
