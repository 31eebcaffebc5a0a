package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"fadedreams/roadassist/issue-service/auth"
	"fadedreams/roadassist/issue-service/domain"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const appName = "issue-service"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindInvalidState, domain.KindDuplicateOffer, domain.KindConflict:
		return http.StatusConflict
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// respondError records err on the span, logs it and writes the error body.
// Internal errors are logged at error level and their message is not echoed.
func respondError(w http.ResponseWriter, span trace.Span, logger *slog.Logger, msg string, err error, args ...any) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	status := statusFor(err)
	kind := domain.KindOf(err)
	args = append(args, "error", err, "status", status, "app", appName)
	if status == http.StatusInternalServerError {
		logger.Error(msg, args...)
		writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
		return
	}
	logger.Warn(msg, args...)
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}
	return nil
}

func callerFrom(r *http.Request) domain.Caller {
	caller, _ := auth.CallerFrom(r.Context())
	return caller
}

// floatParam parses an optional float query parameter.
func floatParam(r *http.Request, name string) (float64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s must be a number", domain.ErrValidation, name)
	}
	return f, true, nil
}

// pointParam reads longitude and latitude. Both or neither must be present.
func pointParam(r *http.Request) (*domain.Location, error) {
	lng, hasLng, err := floatParam(r, "longitude")
	if err != nil {
		return nil, err
	}
	lat, hasLat, err := floatParam(r, "latitude")
	if err != nil {
		return nil, err
	}
	if hasLng != hasLat {
		return nil, fmt.Errorf("%w: longitude and latitude must be given together", domain.ErrValidation)
	}
	if !hasLng {
		return nil, nil
	}
	loc := domain.NewLocation(lng, lat)
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return &loc, nil
}
