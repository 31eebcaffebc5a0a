package directions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fadedreams/roadassist/issue-service/domain"
)

// OSRM queries the route service of an OSRM server.
type OSRM struct {
	client
	baseURL string
}

func NewOSRM(baseURL string, timeout time.Duration, logger *slog.Logger) *OSRM {
	return &OSRM{client: newClient("osrm", timeout, logger), baseURL: strings.TrimRight(baseURL, "/")}
}

func (o *OSRM) Route(ctx context.Context, from, to domain.Location) (*domain.Route, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson", o.baseURL, coordinates(from, to))
	return o.fetch(ctx, url)
}
