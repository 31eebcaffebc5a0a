package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"fadedreams/roadassist/issue-service/auth"
	"fadedreams/roadassist/issue-service/service"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// Deps are the collaborators the HTTP surface is built from.
// RequestTimeout bounds every non-websocket API call; zero disables it.
type Deps struct {
	Negotiation    *service.OfferNegotiation
	Watcher        *service.Watcher
	Accounts       *auth.Accounts
	Issuer         *auth.Issuer
	Geocoder       Geocoder
	NearbyRadius   float64
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func requestTimeout(d time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d <= 0 || websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRouter wires every route of the issue service.
func NewRouter(d Deps) *mux.Router {
	issues := NewIssueHandler(d.Negotiation, d.NearbyRadius, d.Logger)
	mechanics := NewMechanicHandler(d.Negotiation, d.NearbyRadius, d.Logger)
	accounts := NewAuthHandler(d.Accounts, d.Logger)
	geo := NewGeocodeHandler(d.Geocoder, d.Logger)
	watch := NewWatchHandler(d.Watcher, d.Logger)

	r := mux.NewRouter()
	r.Use(auth.HoistQueryToken, otelmux.Middleware(appName))

	r.HandleFunc("/health", issues.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/{role}/register", accounts.Register).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/{role}/login", accounts.Login).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware(d.Issuer, d.Logger), requestTimeout(d.RequestTimeout))

	// fixed paths before {issueId}
	api.HandleFunc("/issues", issues.CreateIssue).Methods(http.MethodPost)
	api.HandleFunc("/issues/user", issues.MyIssues).Methods(http.MethodGet)
	api.HandleFunc("/issues/nearby", issues.NearbyIssues).Methods(http.MethodGet)
	api.HandleFunc("/issues/{issueId}", issues.GetIssue).Methods(http.MethodGet)
	api.HandleFunc("/issues/{issueId}/offers", issues.ListOffers).Methods(http.MethodGet)
	api.HandleFunc("/issues/{issueId}/offer", issues.SubmitOffer).Methods(http.MethodPost)
	api.HandleFunc("/issues/{issueId}/offer", issues.WithdrawOffer).Methods(http.MethodDelete)
	api.HandleFunc("/issues/{issueId}/accept/{mechanicId}", issues.AcceptOffer).Methods(http.MethodPost)
	api.HandleFunc("/issues/{issueId}/reject/{mechanicId}", issues.RejectOffer).Methods(http.MethodPost)
	api.HandleFunc("/issues/{issueId}/cancel", issues.CancelIssue).Methods(http.MethodPost)
	api.HandleFunc("/issues/{issueId}/match", issues.Match).Methods(http.MethodGet)
	api.HandleFunc("/issues/{issueId}/ws", watch.Watch).Methods(http.MethodGet)

	api.HandleFunc("/mechanics/location/update", mechanics.UpdateLocation).Methods(http.MethodPost)
	api.HandleFunc("/mechanics/status/update", mechanics.UpdateStatus).Methods(http.MethodPost)
	api.HandleFunc("/mechanics/nearby", mechanics.NearbyMechanics).Methods(http.MethodGet)

	api.HandleFunc("/geocode", geo.Search).Methods(http.MethodGet)
	api.HandleFunc("/geocode/reverse", geo.Reverse).Methods(http.MethodGet)
	return r
}
