package service

import (
	"context"
	"log/slog"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "issue-service"

// IssueStore owns the issue lifecycle. Every mutation goes through
// IssueRepository.UpdateIssue, which serializes writers per issue and commits
// the outbox event together with the issue.
type IssueStore struct {
	repo      domain.IssueRepository
	positions domain.MechanicRepository
	geo       domain.GeoIndex
	hub       *Hub
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewIssueStore creates a new IssueStore. hub may be nil.
func NewIssueStore(repo domain.IssueRepository, positions domain.MechanicRepository, geo domain.GeoIndex, hub *Hub, logger *slog.Logger) *IssueStore {
	return &IssueStore{
		repo:      repo,
		positions: positions,
		geo:       geo,
		hub:       hub,
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return primitive.NewObjectID().Hex() },
	}
}

// fail records err on the span and logs it. Caller mistakes are logged as
// warnings, everything else as errors.
func (s *IssueStore) fail(span trace.Span, msg string, err error, args ...any) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	args = append([]any{"error", err, "kind", domain.KindOf(err)}, args...)
	if domain.KindOf(err) == domain.KindInternal {
		s.logger.Error(msg, args...)
	} else {
		s.logger.Warn(msg, args...)
	}
	return err
}

func (s *IssueStore) event(t domain.EventType, issue *domain.Issue, actorID, mechanicID string) *domain.Event {
	return &domain.Event{
		ID:         s.newID(),
		Type:       t,
		ActorID:    actorID,
		MechanicID: mechanicID,
		Recipients: Recipients(issue, t, mechanicID),
		CreatedAt:  s.now(),
	}
}

func (s *IssueStore) changed(issue *domain.Issue) {
	if s.hub != nil {
		s.hub.Publish(issue.ID, issue.Version)
	}
}

// CreateIssue validates the input and stores a PENDING issue
func (s *IssueStore) CreateIssue(ctx context.Context, reporterID string, in domain.IssueInput) (*domain.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceCreateIssue")
	defer span.End()

	issue, err := domain.NewIssue(s.newID(), reporterID, in, s.now())
	if err != nil {
		return nil, s.fail(span, "Invalid issue data", err, "reporterID", reporterID)
	}
	span.SetAttributes(
		attribute.String("issueID", issue.ID),
		attribute.String("reporterID", reporterID),
		attribute.Float64("expectedPrice", issue.ExpectedPrice),
	)

	if err := s.repo.CreateIssue(ctx, issue, s.event(domain.EventIssueCreated, issue, reporterID, "")); err != nil {
		return nil, s.fail(span, "Failed to create issue", err, "issueID", issue.ID)
	}
	s.logger.Info("Created issue", "issueID", issue.ID, "reporterID", reporterID)
	s.changed(issue)
	return issue, nil
}

// GetIssue retrieves the current state of an issue
func (s *IssueStore) GetIssue(ctx context.Context, issueID string) (*domain.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceGetIssue")
	defer span.End()

	issue, err := s.repo.GetIssue(ctx, issueID)
	if err != nil {
		return nil, s.fail(span, "Failed to get issue", err, "issueID", issueID)
	}
	span.SetAttributes(attribute.String("issueID", issueID), attribute.String("status", string(issue.Status)))
	return issue, nil
}

// ListReporterIssues lists the issues created by one user, newest first
func (s *IssueStore) ListReporterIssues(ctx context.Context, reporterID string) ([]*domain.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceListReporterIssues")
	defer span.End()

	issues, err := s.repo.ListIssuesByReporter(ctx, reporterID)
	if err != nil {
		return nil, s.fail(span, "Failed to list issues", err, "reporterID", reporterID)
	}
	span.SetAttributes(attribute.Int("issueCount", len(issues)))
	return issues, nil
}

// ListOffers returns the offers of an issue to its reporter, in submission order
func (s *IssueStore) ListOffers(ctx context.Context, issueID, callerUserID string) ([]domain.Offer, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceListOffers")
	defer span.End()
	span.SetAttributes(attribute.String("issueID", issueID))

	issue, err := s.repo.GetIssue(ctx, issueID)
	if err != nil {
		return nil, s.fail(span, "Failed to get issue", err, "issueID", issueID)
	}
	if err := requireReporter(issue, callerUserID, "list offers"); err != nil {
		return nil, s.fail(span, "Failed to list offers", err, "issueID", issueID)
	}
	span.SetAttributes(attribute.Int("offerCount", len(issue.Offers)))
	return issue.Offers, nil
}

// SubmitOffer appends the mechanic's offer to the issue
func (s *IssueStore) SubmitOffer(ctx context.Context, issueID, mechanicID string, in domain.OfferInput) (*domain.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceSubmitOffer")
	defer span.End()
	span.SetAttributes(
		attribute.String("issueID", issueID),
		attribute.String("mechanicID", mechanicID),
		attribute.Float64("price", in.Price),
	)

	offer, err := domain.NewOffer(mechanicID, in, s.now())
	if err != nil {
		return nil, s.fail(span, "Invalid offer data", err, "issueID", issueID, "mechanicID", mechanicID)
	}
	issue, err := s.repo.UpdateIssue(ctx, issueID, func(issue *domain.Issue) (*domain.Event, error) {
		if err := issue.SubmitOffer(offer); err != nil {
			return nil, err
		}
		issue.UpdatedAt = offer.SubmittedAt
		return s.event(domain.EventOfferSubmitted, issue, mechanicID, mechanicID), nil
	})
	if err != nil {
		return nil, s.fail(span, "Failed to submit offer", err, "issueID", issueID, "mechanicID", mechanicID)
	}
	s.logger.Info("Submitted offer", "issueID", issueID, "mechanicID", mechanicID, "price", in.Price, "status", issue.Status)
	s.changed(issue)
	return issue, nil
}

// WithdrawOffer removes the mechanic's own PENDING offer
func (s *IssueStore) WithdrawOffer(ctx context.Context, issueID, mechanicID string) (*domain.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceWithdrawOffer")
	defer span.End()
	span.SetAttributes(attribute.String("issueID", issueID), attribute.String("mechanicID", mechanicID))

	issue, err := s.repo.UpdateIssue(ctx, issueID, func(issue *domain.Issue) (*domain.Event, error) {
		if err := issue.WithdrawOffer(mechanicID); err != nil {
			return nil, err
		}
		issue.UpdatedAt = s.now()
		return s.event(domain.EventOfferWithdrawn, issue, mechanicID, mechanicID), nil
	})
	if err != nil {
		return nil, s.fail(span, "Failed to withdraw offer", err, "issueID", issueID, "mechanicID", mechanicID)
	}
	s.logger.Info("Withdrew offer", "issueID", issueID, "mechanicID", mechanicID, "status", issue.Status)
	s.changed(issue)
	return issue, nil
}

// AcceptOffer accepts one offer and rejects the others in a single write
func (s *IssueStore) AcceptOffer(ctx context.Context, issueID, mechanicID, callerUserID string) (*domain.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceAcceptOffer")
	defer span.End()
	span.SetAttributes(attribute.String("issueID", issueID), attribute.String("mechanicID", mechanicID))

	issue, err := s.repo.UpdateIssue(ctx, issueID, func(issue *domain.Issue) (*domain.Event, error) {
		if err := requireReporter(issue, callerUserID, "accept offers"); err != nil {
			return nil, err
		}
		if err := issue.AcceptOffer(mechanicID); err != nil {
			return nil, err
		}
		issue.UpdatedAt = s.now()
		return s.event(domain.EventOfferAccepted, issue, callerUserID, mechanicID), nil
	})
	if err != nil {
		return nil, s.fail(span, "Failed to accept offer", err, "issueID", issueID, "mechanicID", mechanicID)
	}
	s.logger.Info("Accepted offer", "issueID", issueID, "mechanicID", mechanicID, "offerCount", len(issue.Offers))
	s.changed(issue)
	return issue, nil
}

// RejectOffer rejects one offer without touching the others
func (s *IssueStore) RejectOffer(ctx context.Context, issueID, mechanicID, callerUserID string) (*domain.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceRejectOffer")
	defer span.End()
	span.SetAttributes(attribute.String("issueID", issueID), attribute.String("mechanicID", mechanicID))

	issue, err := s.repo.UpdateIssue(ctx, issueID, func(issue *domain.Issue) (*domain.Event, error) {
		if err := requireReporter(issue, callerUserID, "reject offers"); err != nil {
			return nil, err
		}
		if err := issue.RejectOffer(mechanicID); err != nil {
			return nil, err
		}
		issue.UpdatedAt = s.now()
		return s.event(domain.EventOfferRejected, issue, callerUserID, mechanicID), nil
	})
	if err != nil {
		return nil, s.fail(span, "Failed to reject offer", err, "issueID", issueID, "mechanicID", mechanicID)
	}
	s.logger.Info("Rejected offer", "issueID", issueID, "mechanicID", mechanicID, "status", issue.Status)
	s.changed(issue)
	return issue, nil
}

// CancelIssue cancels a PENDING or OFFERED issue and rejects its outstanding offers
func (s *IssueStore) CancelIssue(ctx context.Context, issueID, callerUserID string) (*domain.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceCancelIssue")
	defer span.End()
	span.SetAttributes(attribute.String("issueID", issueID))

	issue, err := s.repo.UpdateIssue(ctx, issueID, func(issue *domain.Issue) (*domain.Event, error) {
		if err := requireReporter(issue, callerUserID, "cancel"); err != nil {
			return nil, err
		}
		if err := issue.Cancel(); err != nil {
			return nil, err
		}
		issue.UpdatedAt = s.now()
		return s.event(domain.EventIssueCancelled, issue, callerUserID, ""), nil
	})
	if err != nil {
		return nil, s.fail(span, "Failed to cancel issue", err, "issueID", issueID)
	}
	s.logger.Info("Cancelled issue", "issueID", issueID, "offerCount", len(issue.Offers))
	s.changed(issue)
	return issue, nil
}

// ListNearbyPending lists actionable issues within radiusMeters of point,
// leaving out the ones excludeOfferedBy already made an offer on.
func (s *IssueStore) ListNearbyPending(ctx context.Context, point domain.Location, radiusMeters float64, excludeOfferedBy string) ([]*domain.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceListNearbyPending")
	defer span.End()

	if err := point.Validate(); err != nil {
		return nil, s.fail(span, "Invalid nearby query", err)
	}
	if !(radiusMeters > 0) {
		return nil, s.fail(span, "Invalid nearby query", validation("radius must be positive"))
	}
	span.SetAttributes(
		attribute.Float64("location.longitude", point.Longitude()),
		attribute.Float64("location.latitude", point.Latitude()),
		attribute.Float64("radiusMeters", radiusMeters),
	)

	candidates, err := s.geo.IssuesNear(ctx, point, radiusMeters, domain.ActionableStatuses)
	if err != nil {
		return nil, s.fail(span, "Failed to query nearby issues", err)
	}
	nearby := make([]*domain.Issue, 0, len(candidates))
	for _, issue := range candidates {
		if excludeOfferedBy != "" {
			if _, offered := issue.OfferBy(excludeOfferedBy); offered || issue.ReporterID == excludeOfferedBy {
				continue
			}
		}
		nearby = append(nearby, issue)
	}
	span.SetAttributes(attribute.Int("nearbyIssueCount", len(nearby)))
	s.logger.Info("Listed nearby issues", "issueCount", len(nearby), "mechanicID", excludeOfferedBy)
	return nearby, nil
}

// UpdateMechanicLocation overwrites the mechanic's position
func (s *IssueStore) UpdateMechanicLocation(ctx context.Context, mechanicID string, loc domain.Location) (*domain.MechanicPosition, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceUpdateMechanicLocation")
	defer span.End()

	if err := loc.Validate(); err != nil {
		return nil, s.fail(span, "Invalid location data", err, "mechanicID", mechanicID)
	}
	pos, err := s.positions.UpsertPosition(ctx, mechanicID, loc, s.now())
	if err != nil {
		return nil, s.fail(span, "Failed to update mechanic location", err, "mechanicID", mechanicID)
	}
	span.SetAttributes(
		attribute.String("mechanicID", mechanicID),
		attribute.Float64("location.longitude", loc.Longitude()),
		attribute.Float64("location.latitude", loc.Latitude()),
	)
	s.logger.Debug("Updated mechanic location", "mechanicID", mechanicID)
	return pos, nil
}

// SetMechanicLive toggles whether the mechanic shows up in nearby searches
func (s *IssueStore) SetMechanicLive(ctx context.Context, mechanicID string, live bool) (*domain.MechanicPosition, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceSetMechanicLive")
	defer span.End()

	pos, err := s.positions.SetLive(ctx, mechanicID, live, s.now())
	if err != nil {
		return nil, s.fail(span, "Failed to update mechanic status", err, "mechanicID", mechanicID)
	}
	span.SetAttributes(attribute.String("mechanicID", mechanicID), attribute.Bool("isLive", live))
	s.logger.Info("Updated mechanic status", "mechanicID", mechanicID, "isLive", live)
	return pos, nil
}

// MechanicPosition returns the mechanic's last known position
func (s *IssueStore) MechanicPosition(ctx context.Context, mechanicID string) (*domain.MechanicPosition, error) {
	return s.positions.GetPosition(ctx, mechanicID)
}

// NearbyMechanics lists live mechanics within radiusMeters of point
func (s *IssueStore) NearbyMechanics(ctx context.Context, point domain.Location, radiusMeters float64) ([]*domain.MechanicPosition, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceNearbyMechanics")
	defer span.End()

	if err := point.Validate(); err != nil {
		return nil, s.fail(span, "Invalid nearby query", err)
	}
	if !(radiusMeters > 0) {
		return nil, s.fail(span, "Invalid nearby query", validation("radius must be positive"))
	}
	mechanics, err := s.geo.MechanicsNear(ctx, point, radiusMeters)
	if err != nil {
		return nil, s.fail(span, "Failed to query nearby mechanics", err)
	}
	span.SetAttributes(attribute.Int("mechanicCount", len(mechanics)))
	return mechanics, nil
}

func requireReporter(issue *domain.Issue, callerUserID, action string) error {
	if issue.ReporterID != callerUserID {
		return forbidden("only the reporter of issue %s may %s", issue.ID, action)
	}
	return nil
}
