// Package proxy forwards gateway traffic to a service instance resolved per
// request, so instances can come and go in Consul.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type Resolver interface {
	Resolve(name string) (string, error)
}

// Static always resolves to the same host:port.
type Static string

func (s Static) Resolve(string) (string, error) { return string(s), nil }

type targetKey struct{}

// Gateway is an http.Handler that proxies to one named service. Websocket
// upgrades pass through unchanged.
type Gateway struct {
	service  string
	resolver Resolver
	proxy    *httputil.ReverseProxy
	tracer   trace.Tracer
	logger   *slog.Logger
}

func New(service string, resolver Resolver, logger *slog.Logger) *Gateway {
	g := &Gateway{
		service:  service,
		resolver: resolver,
		tracer:   otel.Tracer("api-gateway"),
		logger:   logger,
	}
	g.proxy = &httputil.ReverseProxy{
		Rewrite:      g.rewrite,
		ErrorHandler: g.proxyError,
	}
	return g
}

func (g *Gateway) rewrite(pr *httputil.ProxyRequest) {
	addr, _ := pr.In.Context().Value(targetKey{}).(string)
	pr.SetURL(&url.URL{Scheme: "http", Host: addr})
	pr.SetXForwarded()
	otel.GetTextMapPropagator().Inject(pr.In.Context(), propagation.HeaderCarrier(pr.Out.Header))
}

func (g *Gateway) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	span.SetStatus(codes.Error, "Upstream request failed")
	g.logger.Error("Upstream request failed", "error", err, "service", g.service, "path", r.URL.Path)
	writeError(w, http.StatusBadGateway, "upstream "+g.service+" is unavailable")
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := g.tracer.Start(r.Context(), "ProxyRequest")
	defer span.End()

	addr, err := g.resolver.Resolve(g.service)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to resolve service")
		g.logger.Error("Failed to resolve service", "error", err, "service", g.service)
		writeError(w, http.StatusServiceUnavailable, "no instance of "+g.service+" is available")
		return
	}
	span.SetAttributes(
		attribute.String("upstream", addr),
		attribute.String("path", r.URL.Path),
	)
	g.proxy.ServeHTTP(w, r.WithContext(context.WithValue(ctx, targetKey{}, addr)))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": "UnavailableError"})
}
