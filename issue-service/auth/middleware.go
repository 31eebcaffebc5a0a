package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"fadedreams/roadassist/issue-service/domain"
)

type contextKey string

const callerContextKey contextKey = "caller"

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// CallerFrom returns the caller stored by the middleware.
func CallerFrom(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey).(domain.Caller)
	return caller, ok
}

// TokenFrom extracts the bearer token of r. Websocket clients that cannot set
// headers may pass it as the token query parameter.
func TokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// HoistQueryToken moves a token query parameter into the Authorization header
// and removes it from the URL, so tracing and request logs never record it.
func HoistQueryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if !q.Has("token") {
			next.ServeHTTP(w, r)
			return
		}
		token := q.Get("token")
		r = r.Clone(r.Context())
		q.Del("token")
		r.URL.RawQuery = q.Encode()
		r.RequestURI = r.URL.RequestURI()
		if token != "" && r.Header.Get("Authorization") == "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware rejects requests without a valid token and stores the caller in
// the request context.
func Middleware(issuer *Issuer, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFrom(r)
			if token == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			caller, err := issuer.Parse(token)
			if err != nil {
				logger.Warn("Rejected token", "error", err, "path", r.URL.Path)
				unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": domain.KindUnauthorized})
}
