package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "issue-service"

// Both OSRM and the Mapbox Directions API answer with this shape when asked
// for geometries=geojson.
type routeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

type client struct {
	name       string
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
}

func newClient(name string, timeout time.Duration, logger *slog.Logger) client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return client{
		name:       name,
		httpClient: &http.Client{Timeout: timeout},
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
	}
}

func coordinates(from, to domain.Location) string {
	return fmt.Sprintf("%f,%f;%f,%f", from.Longitude(), from.Latitude(), to.Longitude(), to.Latitude())
}

// stripQuery drops the query string from URL errors so credentials passed
// as query parameters never reach logs or spans.
func stripQuery(err error) error {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}
	clean := *urlErr
	if u, perr := url.Parse(urlErr.URL); perr == nil {
		u.RawQuery = ""
		u.Fragment = ""
		clean.URL = u.String()
	} else {
		clean.URL = "<redacted>"
	}
	return &clean
}

// fetch performs the GET and decodes the first route.
func (c client) fetch(ctx context.Context, target string) (*domain.Route, error) {
	ctx, span := c.tracer.Start(ctx, "DirectionsRequest")
	defer span.End()
	span.SetAttributes(attribute.String("provider", c.name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		err = stripQuery(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create directions request")
		return nil, fmt.Errorf("failed to create %s request: %w", c.name, err)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = stripQuery(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to call directions service")
		c.logger.Error("Failed to call directions service", "error", err, "provider", c.name)
		return nil, fmt.Errorf("failed to call %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s returned status %d", c.name, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Directions service error", "status_code", resp.StatusCode, "provider", c.name)
		return nil, err
	}

	var body routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode directions response")
		return nil, fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		err := fmt.Errorf("%s returned code %q: %s", c.name, body.Code, body.Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r := body.Routes[0]
	span.SetAttributes(attribute.Float64("distanceMeters", r.Distance), attribute.Int("points", len(r.Geometry.Coordinates)))
	return &domain.Route{
		Provider:        c.name,
		Coordinates:     r.Geometry.Coordinates,
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
	}, nil
}
