package geocode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"googlemaps.github.io/maps"
)

var ErrNoResults = errors.New("no geocoding results")

// Place is one geocoding hit.
type Place struct {
	PlaceID  string          `json:"placeId"`
	Address  string          `json:"address"`
	Location domain.Location `json:"location"`
}

// Google resolves free text and coordinates with the Google Geocoding API.
type Google struct {
	client  *maps.Client
	timeout time.Duration
}

// NewGoogle creates a geocoder. Extra options such as maps.WithBaseURL are
// passed to the underlying client.
func NewGoogle(apiKey string, timeout time.Duration, opts ...maps.ClientOption) (*Google, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Google{client: client, timeout: timeout}, nil
}

// Search geocodes a free-text address.
func (g *Google) Search(ctx context.Context, query string) ([]Place, error) {
	ctx, span := otel.Tracer("issue-service").Start(ctx, "GeocodeSearch")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", domain.ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: query, Language: "en"})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Geocoding failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("resultCount", len(results)))
	return toPlaces(results), nil
}

// Reverse returns the best address for loc.
func (g *Google) Reverse(ctx context.Context, loc domain.Location) (*Place, error) {
	ctx, span := otel.Tracer("issue-service").Start(ctx, "GeocodeReverse")
	defer span.End()

	if err := loc.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{
			Lat: loc.Latitude(),
			Lng: loc.Longitude(),
		},
		Language: "en",
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Reverse geocoding failed")
		return nil, err
	}
	places := toPlaces(results)
	if len(places) == 0 {
		return nil, ErrNoResults
	}
	return &places[0], nil
}

func toPlaces(results []maps.GeocodingResult) []Place {
	places := make([]Place, 0, len(results))
	for _, r := range results {
		places = append(places, Place{
			PlaceID:  r.PlaceID,
			Address:  r.FormattedAddress,
			Location: domain.NewLocation(r.Geometry.Location.Lng, r.Geometry.Location.Lat),
		})
	}
	return places
}
