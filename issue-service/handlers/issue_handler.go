package handlers

import (
	"log/slog"
	"net/http"

	"fadedreams/roadassist/issue-service/domain"
	"fadedreams/roadassist/issue-service/service"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// IssueHandler serves the issue and offer routes.
type IssueHandler struct {
	negotiation  *service.OfferNegotiation
	nearbyRadius float64
	tracer       trace.Tracer
	logger       *slog.Logger
}

// NewIssueHandler creates an IssueHandler. nearbyRadius is the feed radius in
// meters used when a request does not pass maxDistance.
func NewIssueHandler(negotiation *service.OfferNegotiation, nearbyRadius float64, logger *slog.Logger) *IssueHandler {
	return &IssueHandler{
		negotiation:  negotiation,
		nearbyRadius: nearbyRadius,
		tracer:       otel.Tracer(appName),
		logger:       logger,
	}
}

// HealthCheck provides a health endpoint
func (h *IssueHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "HealthCheck")
	defer span.End()

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// CreateIssue handles POST /api/issues.
func (h *IssueHandler) CreateIssue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleCreateIssue")
	defer span.End()

	caller := callerFrom(r)
	var in domain.IssueInput
	if err := decode(r, &in); err != nil {
		respondError(w, span, h.logger, "Invalid issue body", err, "callerID", caller.ID)
		return
	}
	issue, err := h.negotiation.ReportIssue(ctx, caller, in)
	if err != nil {
		respondError(w, span, h.logger, "Failed to create issue", err, "callerID", caller.ID)
		return
	}
	span.SetAttributes(attribute.String("issueID", issue.ID))
	h.logger.Info("Issue created", "issueID", issue.ID, "reporterID", caller.ID, "app", appName)
	writeJSON(w, http.StatusCreated, issue)
}

// GetIssue handles GET /api/issues/{issueId}. The body is the full IssueView.
func (h *IssueHandler) GetIssue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleGetIssue")
	defer span.End()

	issueID := mux.Vars(r)["issueId"]
	view, err := h.negotiation.ViewIssue(ctx, callerFrom(r), issueID)
	if err != nil {
		respondError(w, span, h.logger, "Failed to get issue", err, "issueID", issueID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListOffers handles GET /api/issues/{issueId}/offers.
func (h *IssueHandler) ListOffers(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleListOffers")
	defer span.End()

	issueID := mux.Vars(r)["issueId"]
	offers, err := h.negotiation.ListOffers(ctx, callerFrom(r), issueID)
	if err != nil {
		respondError(w, span, h.logger, "Failed to list offers", err, "issueID", issueID)
		return
	}
	if offers == nil {
		offers = []domain.Offer{}
	}
	span.SetAttributes(attribute.Int("offerCount", len(offers)))
	writeJSON(w, http.StatusOK, offers)
}

// MyIssues handles GET /api/issues/user.
func (h *IssueHandler) MyIssues(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleMyIssues")
	defer span.End()

	caller := callerFrom(r)
	issues, err := h.negotiation.MyIssues(ctx, caller)
	if err != nil {
		respondError(w, span, h.logger, "Failed to list issues", err, "callerID", caller.ID)
		return
	}
	if issues == nil {
		issues = []*domain.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

// NearbyIssues handles GET /api/issues/nearby. Without coordinates the
// mechanic's stored position is used; maxDistance is in meters.
func (h *IssueHandler) NearbyIssues(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleNearbyIssues")
	defer span.End()

	caller := callerFrom(r)
	at, err := pointParam(r)
	if err != nil {
		respondError(w, span, h.logger, "Invalid coordinates", err, "callerID", caller.ID)
		return
	}
	radius, ok, err := floatParam(r, "maxDistance")
	if err != nil {
		respondError(w, span, h.logger, "Invalid maxDistance", err, "callerID", caller.ID)
		return
	}
	if !ok {
		radius = h.nearbyRadius
	}
	feed, err := h.negotiation.NearbyFeed(ctx, caller, at, radius)
	if err != nil {
		respondError(w, span, h.logger, "Failed to list nearby issues", err, "callerID", caller.ID)
		return
	}
	if feed == nil {
		feed = []service.NearbyIssue{}
	}
	span.SetAttributes(attribute.Int("nearbyIssueCount", len(feed)))
	h.logger.Info("Listed nearby issues", "mechanicID", caller.ID, "count", len(feed), "app", appName)
	writeJSON(w, http.StatusOK, feed)
}

// SubmitOffer handles POST /api/issues/{issueId}/offer.
func (h *IssueHandler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleSubmitOffer")
	defer span.End()

	caller := callerFrom(r)
	issueID := mux.Vars(r)["issueId"]
	var in domain.OfferInput
	if err := decode(r, &in); err != nil {
		respondError(w, span, h.logger, "Invalid offer body", err, "issueID", issueID)
		return
	}
	view, err := h.negotiation.SubmitOffer(ctx, caller, issueID, in)
	if err != nil {
		respondError(w, span, h.logger, "Failed to submit offer", err, "issueID", issueID, "mechanicID", caller.ID)
		return
	}
	span.SetAttributes(attribute.String("issueID", issueID), attribute.String("mechanicID", caller.ID))
	writeJSON(w, http.StatusCreated, view)
}

// WithdrawOffer handles DELETE /api/issues/{issueId}/offer.
func (h *IssueHandler) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleWithdrawOffer")
	defer span.End()

	caller := callerFrom(r)
	issueID := mux.Vars(r)["issueId"]
	view, err := h.negotiation.WithdrawOffer(ctx, caller, issueID)
	if err != nil {
		respondError(w, span, h.logger, "Failed to withdraw offer", err, "issueID", issueID, "mechanicID", caller.ID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// AcceptOffer handles POST /api/issues/{issueId}/accept/{mechanicId}.
func (h *IssueHandler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleAcceptOffer")
	defer span.End()

	vars := mux.Vars(r)
	issueID, mechanicID := vars["issueId"], vars["mechanicId"]
	view, err := h.negotiation.AcceptOffer(ctx, callerFrom(r), issueID, mechanicID)
	if err != nil {
		respondError(w, span, h.logger, "Failed to accept offer", err, "issueID", issueID, "mechanicID", mechanicID)
		return
	}
	span.SetAttributes(attribute.String("issueID", issueID), attribute.String("mechanicID", mechanicID))
	writeJSON(w, http.StatusOK, view)
}

// RejectOffer handles POST /api/issues/{issueId}/reject/{mechanicId}.
func (h *IssueHandler) RejectOffer(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleRejectOffer")
	defer span.End()

	vars := mux.Vars(r)
	issueID, mechanicID := vars["issueId"], vars["mechanicId"]
	view, err := h.negotiation.RejectOffer(ctx, callerFrom(r), issueID, mechanicID)
	if err != nil {
		respondError(w, span, h.logger, "Failed to reject offer", err, "issueID", issueID, "mechanicID", mechanicID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelIssue handles POST /api/issues/{issueId}/cancel.
func (h *IssueHandler) CancelIssue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleCancelIssue")
	defer span.End()

	issueID := mux.Vars(r)["issueId"]
	view, err := h.negotiation.CancelIssue(ctx, callerFrom(r), issueID)
	if err != nil {
		respondError(w, span, h.logger, "Failed to cancel issue", err, "issueID", issueID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Match handles GET /api/issues/{issueId}/match.
func (h *IssueHandler) Match(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleMatch")
	defer span.End()

	issueID := mux.Vars(r)["issueId"]
	match, err := h.negotiation.Match(ctx, callerFrom(r), issueID)
	if err != nil {
		respondError(w, span, h.logger, "Failed to get match", err, "issueID", issueID)
		return
	}
	span.SetAttributes(attribute.Bool("hasRoute", match.Route != nil))
	writeJSON(w, http.StatusOK, match)
}
