package service

import (
	"context"
	"errors"
	"log/slog"

	"fadedreams/roadassist/issue-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RouteProvider computes a driving route between two points.
type RouteProvider interface {
	Route(ctx context.Context, from, to domain.Location) (*domain.Route, error)
}

// MatchNotifier exposes the match record of accepted issues and decides who
// has to hear about each state change.
type MatchNotifier struct {
	store  *IssueStore
	routes RouteProvider
	tracer trace.Tracer
	logger *slog.Logger
}

// NewMatchNotifier creates a new MatchNotifier. routes may be nil, in which
// case matches never carry a route.
func NewMatchNotifier(store *IssueStore, routes RouteProvider, logger *slog.Logger) *MatchNotifier {
	return &MatchNotifier{
		store:  store,
		routes: routes,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
}

// Match returns the match of an accepted issue to its reporter or to the
// accepted mechanic. The route is best effort and omitted when the provider
// fails.
func (m *MatchNotifier) Match(ctx context.Context, caller domain.Caller, issueID string, withRoute bool) (*domain.Match, error) {
	ctx, span := m.tracer.Start(ctx, "ServiceMatch")
	defer span.End()
	span.SetAttributes(attribute.String("issueID", issueID), attribute.String("callerID", caller.ID))

	issue, err := m.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return m.matchFor(ctx, span, caller, issue, withRoute)
}

func (m *MatchNotifier) matchFor(ctx context.Context, span trace.Span, caller domain.Caller, issue *domain.Issue, withRoute bool) (*domain.Match, error) {
	if !isParty(caller, issue) {
		err := forbidden("caller is not a party to issue %s", issue.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Forbidden")
		return nil, err
	}
	offer, ok := issue.AcceptedOffer()
	if !ok {
		return domain.NewMatch(issue, nil)
	}

	pos, err := m.store.MechanicPosition(ctx, offer.MechanicID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.Error("Failed to load mechanic position", "error", err, "mechanicID", offer.MechanicID)
			return nil, err
		}
		pos = nil
	}
	match, err := domain.NewMatch(issue, pos)
	if err != nil {
		return nil, err
	}
	if withRoute && m.routes != nil && match.MechanicLocation != nil {
		route, err := m.routes.Route(ctx, *match.MechanicLocation, match.UserLocation)
		if err != nil {
			span.AddEvent("route unavailable")
			m.logger.Warn("Directions provider failed, returning match without route", "error", err, "issueID", issue.ID)
		} else {
			match.Route = route
		}
	}
	return match, nil
}

// isParty reports whether caller is the reporter or a mechanic negotiating
// the issue. Once an offer is accepted only its mechanic remains a party.
func isParty(caller domain.Caller, issue *domain.Issue) bool {
	if caller.IsUser() {
		return caller.ID == issue.ReporterID
	}
	if !caller.IsMechanic() {
		return false
	}
	if offer, ok := issue.AcceptedOffer(); ok {
		return offer.MechanicID == caller.ID
	}
	_, ok := issue.OfferBy(caller.ID)
	return ok
}

// Recipients lists the parties that must be informed of an event of type t on
// issue. mechanicID is the mechanic the event is about, if any.
func Recipients(issue *domain.Issue, t domain.EventType, mechanicID string) []string {
	switch t {
	case domain.EventOfferSubmitted, domain.EventOfferWithdrawn:
		return []string{issue.ReporterID}
	case domain.EventOfferRejected:
		return []string{mechanicID}
	case domain.EventOfferAccepted, domain.EventIssueCancelled:
		return issue.OfferingMechanics()
	default:
		return []string{}
	}
}
