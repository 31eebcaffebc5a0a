package directions

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okBody = `{"code":"Ok","routes":[{"distance":9120.5,"duration":840,"geometry":{"type":"LineString","coordinates":[[73.05,30.451],[73.051,30.42],[73.05,30.37]]}}]}`

var (
	from = domain.NewLocation(73.05, 30.451)
	to   = domain.NewLocation(73.05, 30.37)
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOSRMRoute(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	route, err := NewOSRM(srv.URL+"/", time.Second, discard()).Route(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, "/route/v1/driving/73.050000,30.451000;73.050000,30.370000", gotPath)
	assert.Contains(t, gotQuery, "geometries=geojson")
	assert.Equal(t, "osrm", route.Provider)
	assert.Equal(t, 9120.5, route.DistanceMeters)
	assert.Equal(t, 840.0, route.DurationSeconds)
	assert.Len(t, route.Coordinates, 3)
}

func TestMapboxRoute(t *testing.T) {
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/directions/v5/mapbox/driving/73.050000,30.451000;73.050000,30.370000", r.URL.Path)
		token = r.URL.Query().Get("access_token")
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	route, err := NewMapbox(srv.URL, "pk.test", time.Second, discard()).Route(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, "pk.test", token)
	assert.Equal(t, "mapbox", route.Provider)
}

func TestRouteFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{"bad json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("{")) }},
		{"no route", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"code":"NoRoute","message":"Impossible route"}`)) }},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			w.Write([]byte(okBody))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewOSRM(srv.URL, 100*time.Millisecond, discard()).Route(context.Background(), from, to)
			assert.Error(t, err)
		})
	}
}

func TestMapboxFailureHidesToken(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(okBody))
	}))
	defer slow.Close()
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	for name, base := range map[string]string{"timeout": slow.URL, "refused": closed.URL} {
		t.Run(name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, nil))

			_, err := NewMapbox(base, "sk.secret-token", 100*time.Millisecond, logger).Route(context.Background(), from, to)
			require.Error(t, err)
			assert.NotContains(t, err.Error(), "sk.secret-token")
			assert.NotContains(t, err.Error(), "access_token")
			assert.Contains(t, err.Error(), "/directions/v5/mapbox/driving/")
			assert.NotContains(t, logs.String(), "sk.secret-token")
		})
	}
}
