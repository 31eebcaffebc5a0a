package service

import (
	"context"
	"errors"

	"fadedreams/roadassist/issue-service/domain"

	"go.opentelemetry.io/otel/trace"
)

// DefaultNearbyRadiusMeters applies when a nearby query carries no radius.
const DefaultNearbyRadiusMeters = 10000

// IssueView is the self-contained answer to every poll: the current issue as
// the caller may see it, plus the match once the issue is ACCEPTED.
type IssueView struct {
	Issue *domain.Issue `json:"issue"`
	Match *domain.Match `json:"match,omitempty"`
}

// NearbyIssue is one entry of the mechanic feed. Offers of other mechanics are
// not disclosed.
type NearbyIssue struct {
	*domain.Issue
	OfferCount int     `json:"offerCount"`
	DistanceKm float64 `json:"distanceKm"`
}

// OfferNegotiation enforces who may do what on top of IssueStore.
type OfferNegotiation struct {
	store   *IssueStore
	matches *MatchNotifier
}

func NewOfferNegotiation(store *IssueStore, matches *MatchNotifier) *OfferNegotiation {
	return &OfferNegotiation{store: store, matches: matches}
}

func requireUser(caller domain.Caller) error {
	if !caller.IsUser() {
		return forbidden("only users may perform this action")
	}
	return nil
}

func requireMechanic(caller domain.Caller) error {
	if !caller.IsMechanic() {
		return forbidden("only mechanics may perform this action")
	}
	return nil
}

func (n *OfferNegotiation) ReportIssue(ctx context.Context, caller domain.Caller, in domain.IssueInput) (*domain.Issue, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	return n.store.CreateIssue(ctx, caller.ID, in)
}

func (n *OfferNegotiation) MyIssues(ctx context.Context, caller domain.Caller) ([]*domain.Issue, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	return n.store.ListReporterIssues(ctx, caller.ID)
}

// ViewIssue returns the issue as caller may see it. Reporters see every offer;
// mechanics see only their own.
func (n *OfferNegotiation) ViewIssue(ctx context.Context, caller domain.Caller, issueID string) (*IssueView, error) {
	issue, err := n.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return n.view(ctx, caller, issue)
}

func (n *OfferNegotiation) view(ctx context.Context, caller domain.Caller, issue *domain.Issue) (*IssueView, error) {
	switch {
	case caller.IsUser():
		if issue.ReporterID != caller.ID {
			return nil, forbidden("issue %s belongs to another user", issue.ID)
		}
	case caller.IsMechanic():
		issue = redactOffers(issue, caller.ID)
	default:
		return nil, forbidden("unknown caller")
	}

	v := &IssueView{Issue: issue}
	if issue.Status == domain.IssueAccepted && isParty(caller, issue) {
		m, err := n.matches.matchFor(ctx, trace.SpanFromContext(ctx), caller, issue, false)
		if err != nil {
			return nil, err
		}
		v.Match = m
	}
	return v, nil
}

// redactOffers keeps only the offer of mechanicID.
func redactOffers(issue *domain.Issue, mechanicID string) *domain.Issue {
	c := issue.Clone()
	c.Offers = c.Offers[:0]
	for _, o := range issue.Offers {
		if o.MechanicID == mechanicID {
			c.Offers = append(c.Offers, o)
		}
	}
	return c
}

func (n *OfferNegotiation) ListOffers(ctx context.Context, caller domain.Caller, issueID string) ([]domain.Offer, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	return n.store.ListOffers(ctx, issueID, caller.ID)
}

func (n *OfferNegotiation) SubmitOffer(ctx context.Context, caller domain.Caller, issueID string, in domain.OfferInput) (*IssueView, error) {
	if err := requireMechanic(caller); err != nil {
		return nil, err
	}
	issue, err := n.store.SubmitOffer(ctx, issueID, caller.ID, in)
	if err != nil {
		return nil, err
	}
	return &IssueView{Issue: redactOffers(issue, caller.ID)}, nil
}

func (n *OfferNegotiation) WithdrawOffer(ctx context.Context, caller domain.Caller, issueID string) (*IssueView, error) {
	if err := requireMechanic(caller); err != nil {
		return nil, err
	}
	issue, err := n.store.WithdrawOffer(ctx, issueID, caller.ID)
	if err != nil {
		return nil, err
	}
	return &IssueView{Issue: redactOffers(issue, caller.ID)}, nil
}

func (n *OfferNegotiation) AcceptOffer(ctx context.Context, caller domain.Caller, issueID, mechanicID string) (*IssueView, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	issue, err := n.store.AcceptOffer(ctx, issueID, mechanicID, caller.ID)
	if err != nil {
		return nil, err
	}
	return n.view(ctx, caller, issue)
}

func (n *OfferNegotiation) RejectOffer(ctx context.Context, caller domain.Caller, issueID, mechanicID string) (*IssueView, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	issue, err := n.store.RejectOffer(ctx, issueID, mechanicID, caller.ID)
	if err != nil {
		return nil, err
	}
	return &IssueView{Issue: issue}, nil
}

func (n *OfferNegotiation) CancelIssue(ctx context.Context, caller domain.Caller, issueID string) (*IssueView, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	issue, err := n.store.CancelIssue(ctx, issueID, caller.ID)
	if err != nil {
		return nil, err
	}
	return &IssueView{Issue: issue}, nil
}

// NearbyFeed lists actionable issues around the mechanic. When at is nil the
// mechanic's last reported position is used.
func (n *OfferNegotiation) NearbyFeed(ctx context.Context, caller domain.Caller, at *domain.Location, radiusMeters float64) ([]NearbyIssue, error) {
	if err := requireMechanic(caller); err != nil {
		return nil, err
	}
	center, err := n.position(ctx, caller, at)
	if err != nil {
		return nil, err
	}
	if radiusMeters == 0 {
		radiusMeters = DefaultNearbyRadiusMeters
	}
	issues, err := n.store.ListNearbyPending(ctx, center, radiusMeters, caller.ID)
	if err != nil {
		return nil, err
	}
	feed := make([]NearbyIssue, 0, len(issues))
	for _, issue := range issues {
		count := len(issue.Offers)
		c := issue.Clone()
		c.Offers = []domain.Offer{}
		feed = append(feed, NearbyIssue{Issue: c, OfferCount: count, DistanceKm: domain.Haversine(center, issue.Location)})
	}
	return feed, nil
}

func (n *OfferNegotiation) position(ctx context.Context, caller domain.Caller, at *domain.Location) (domain.Location, error) {
	if at != nil {
		return *at, nil
	}
	pos, err := n.store.MechanicPosition(ctx, caller.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Location{}, validation("no known location for mechanic, pass longitude and latitude")
	}
	if err != nil {
		return domain.Location{}, err
	}
	return pos.Location, nil
}

func (n *OfferNegotiation) UpdateLocation(ctx context.Context, caller domain.Caller, loc domain.Location) (*domain.MechanicPosition, error) {
	if err := requireMechanic(caller); err != nil {
		return nil, err
	}
	return n.store.UpdateMechanicLocation(ctx, caller.ID, loc)
}

func (n *OfferNegotiation) SetLive(ctx context.Context, caller domain.Caller, live bool) (*domain.MechanicPosition, error) {
	if err := requireMechanic(caller); err != nil {
		return nil, err
	}
	return n.store.SetMechanicLive(ctx, caller.ID, live)
}

// NearbyMechanics lists live mechanics around a point for users.
func (n *OfferNegotiation) NearbyMechanics(ctx context.Context, caller domain.Caller, at domain.Location, radiusMeters float64) ([]*domain.MechanicPosition, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	if radiusMeters == 0 {
		radiusMeters = DefaultNearbyRadiusMeters
	}
	return n.store.NearbyMechanics(ctx, at, radiusMeters)
}

// Match returns the match with a route for either party of an accepted issue.
func (n *OfferNegotiation) Match(ctx context.Context, caller domain.Caller, issueID string) (*domain.Match, error) {
	return n.matches.Match(ctx, caller, issueID, true)
}
