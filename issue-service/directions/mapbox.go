package directions

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"fadedreams/roadassist/issue-service/domain"
)

// Mapbox queries the Mapbox Directions API.
type Mapbox struct {
	client
	baseURL string
	token   string
}

func NewMapbox(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Mapbox {
	return &Mapbox{client: newClient("mapbox", timeout, logger), baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

func (m *Mapbox) Route(ctx context.Context, from, to domain.Location) (*domain.Route, error) {
	u := fmt.Sprintf("%s/directions/v5/mapbox/driving/%s?geometries=geojson&access_token=%s",
		m.baseURL, coordinates(from, to), url.QueryEscape(m.token))
	return m.fetch(ctx, u)
}
