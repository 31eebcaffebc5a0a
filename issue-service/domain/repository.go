package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "issue-service"

	// maxUpdateAttempts bounds the optimistic-concurrency retries of UpdateIssue.
	maxUpdateAttempts = 5
)

// MongoRepository implements the issue, mechanic, account and outbox
// repositories on MongoDB. Issues embed their offers, so every negotiation
// step is a single-document write guarded by the issue version.
type MongoRepository struct {
	IssueCollection    *mongo.Collection
	PositionCollection *mongo.Collection
	AccountCollection  *mongo.Collection
	OutboxCollection   *mongo.Collection

	// transact runs fn atomically; nil means a session transaction.
	transact func(ctx context.Context, fn func(ctx context.Context) error) error
}

// NewMongoRepository creates a new MongoRepository
func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	db := client.Database(database)
	return &MongoRepository{
		IssueCollection:    db.Collection("issues"),
		PositionCollection: db.Collection("mechanic_positions"),
		AccountCollection:  db.Collection("accounts"),
		OutboxCollection:   db.Collection("outbox"),
	}
}

func (r *MongoRepository) client() *mongo.Client {
	return r.IssueCollection.Database().Client()
}

// EnsureIndexes creates the geospatial and uniqueness indexes the repository relies on.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoEnsureIndexes")
	defer span.End()

	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{r.IssueCollection, mongo.IndexModel{Keys: bson.D{{Key: "location", Value: "2dsphere"}}}},
		{r.IssueCollection, mongo.IndexModel{Keys: bson.D{{Key: "reporterId", Value: 1}, {Key: "createdAt", Value: -1}}}},
		{r.PositionCollection, mongo.IndexModel{Keys: bson.D{{Key: "location", Value: "2dsphere"}}}},
		{r.AccountCollection, mongo.IndexModel{
			Keys:    bson.D{{Key: "role", Value: 1}, {Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{r.OutboxCollection, mongo.IndexModel{Keys: bson.D{{Key: "processed", Value: 1}, {Key: "createdAt", Value: 1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to create index")
			return fmt.Errorf("failed to create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

// CreateIssue inserts a new issue and its creation event in one transaction
func (r *MongoRepository) CreateIssue(ctx context.Context, issue *Issue, event *Event) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoCreateIssue")
	defer span.End()

	err := r.inTransaction(ctx, func(sc context.Context) error {
		if _, err := r.IssueCollection.InsertOne(sc, issue); err != nil {
			return fmt.Errorf("failed to insert issue: %w", err)
		}
		if event != nil {
			stampEvent(issue, event)
			if _, err := r.OutboxCollection.InsertOne(sc, event); err != nil {
				return fmt.Errorf("failed to save outbox event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to insert issue")
		return err
	}
	span.SetAttributes(
		attribute.String("issueID", issue.ID),
		attribute.String("reporterID", issue.ReporterID),
	)
	return nil
}

// GetIssue retrieves an issue by ID
func (r *MongoRepository) GetIssue(ctx context.Context, id string) (*Issue, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoGetIssue")
	defer span.End()

	var issue Issue
	err := r.IssueCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&issue)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFoundf("issue %s not found", id)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find issue")
		return nil, fmt.Errorf("failed to find issue: %w", err)
	}
	span.SetAttributes(
		attribute.String("issueID", id),
		attribute.String("status", string(issue.Status)),
	)
	return &issue, nil
}

// ListIssuesByReporter retrieves the issues of one user, newest first
func (r *MongoRepository) ListIssuesByReporter(ctx context.Context, reporterID string) ([]*Issue, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoListIssuesByReporter")
	defer span.End()

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	issues, err := r.findIssues(ctx, bson.M{"reporterId": reporterID}, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find issues")
		return nil, err
	}
	span.SetAttributes(attribute.Int("issueCount", len(issues)))
	return issues, nil
}

// UpdateIssue applies mutate with a compare-and-swap on the issue version. The
// replacement and the outbox event are committed in the same transaction, and
// a concurrent writer makes the attempt start over from a fresh read.
func (r *MongoRepository) UpdateIssue(ctx context.Context, id string, mutate Mutation) (*Issue, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoUpdateIssue")
	defer span.End()
	span.SetAttributes(attribute.String("issueID", id))

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		current, err := r.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		working := current.Clone()
		event, err := mutate(working)
		if err != nil {
			return nil, err
		}
		working.Version = current.Version + 1

		err = r.inTransaction(ctx, func(sc context.Context) error {
			res, err := r.IssueCollection.ReplaceOne(sc, bson.M{"_id": id, "version": current.Version}, working)
			if err != nil {
				return fmt.Errorf("failed to replace issue: %w", err)
			}
			if res.MatchedCount == 0 {
				return ErrConflict
			}
			if event != nil {
				stampEvent(working, event)
				if _, err := r.OutboxCollection.InsertOne(sc, event); err != nil {
					return fmt.Errorf("failed to save outbox event: %w", err)
				}
			}
			return nil
		})
		if errors.Is(err, ErrConflict) {
			span.AddEvent("version conflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to update issue")
			return nil, err
		}
		span.SetAttributes(
			attribute.Int64("version", working.Version),
			attribute.String("status", string(working.Status)),
		)
		return working, nil
	}
	err := fmt.Errorf("%w: issue %s changed %d times while updating", ErrConflict, id, maxUpdateAttempts)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (r *MongoRepository) inTransaction(ctx context.Context, fn func(sc context.Context) error) error {
	if r.transact != nil {
		return r.transact(ctx, fn)
	}
	session, err := r.client().StartSession()
	if err != nil {
		return fmt.Errorf("failed to start MongoDB session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (r *MongoRepository) findIssues(ctx context.Context, filter any, opts ...*options.FindOptions) ([]*Issue, error) {
	cursor, err := r.IssueCollection.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to find issues: %w", err)
	}
	defer cursor.Close(ctx)

	var issues []*Issue
	for cursor.Next(ctx) {
		var issue Issue
		if err := cursor.Decode(&issue); err != nil {
			return nil, fmt.Errorf("failed to decode issue: %w", err)
		}
		issues = append(issues, &issue)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return issues, nil
}

// UpsertPosition overwrites the mechanic's last known position
func (r *MongoRepository) UpsertPosition(ctx context.Context, mechanicID string, loc Location, now time.Time) (*MechanicPosition, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoUpsertPosition")
	defer span.End()

	loc.Type = "Point"
	update := bson.M{
		"$set":         bson.M{"location": loc, "lastUpdated": now},
		"$setOnInsert": bson.M{"isLive": true},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var pos MechanicPosition
	if err := r.PositionCollection.FindOneAndUpdate(ctx, bson.M{"_id": mechanicID}, update, opts).Decode(&pos); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to upsert position")
		return nil, fmt.Errorf("failed to upsert position: %w", err)
	}
	span.SetAttributes(
		attribute.String("mechanicID", mechanicID),
		attribute.Float64("location.longitude", loc.Longitude()),
		attribute.Float64("location.latitude", loc.Latitude()),
	)
	return &pos, nil
}

// SetLive toggles the mechanic's availability
func (r *MongoRepository) SetLive(ctx context.Context, mechanicID string, live bool, now time.Time) (*MechanicPosition, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoSetLive")
	defer span.End()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var pos MechanicPosition
	err := r.PositionCollection.FindOneAndUpdate(ctx, bson.M{"_id": mechanicID},
		bson.M{"$set": bson.M{"isLive": live, "lastUpdated": now}}, opts).Decode(&pos)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFoundf("no position reported for mechanic %s", mechanicID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update live status")
		return nil, fmt.Errorf("failed to update live status: %w", err)
	}
	span.SetAttributes(
		attribute.String("mechanicID", mechanicID),
		attribute.Bool("isLive", live),
	)
	return &pos, nil
}

// GetPosition retrieves a mechanic's last known position
func (r *MongoRepository) GetPosition(ctx context.Context, mechanicID string) (*MechanicPosition, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoGetPosition")
	defer span.End()

	var pos MechanicPosition
	err := r.PositionCollection.FindOne(ctx, bson.M{"_id": mechanicID}).Decode(&pos)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFoundf("no position reported for mechanic %s", mechanicID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find position")
		return nil, fmt.Errorf("failed to find position: %w", err)
	}
	return &pos, nil
}

// CreateAccount inserts a new account
func (r *MongoRepository) CreateAccount(ctx context.Context, account *Account) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoCreateAccount")
	defer span.End()

	if _, err := r.AccountCollection.InsertOne(ctx, account); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrEmailTaken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to insert account")
		return fmt.Errorf("failed to insert account: %w", err)
	}
	span.SetAttributes(
		attribute.String("accountID", account.ID),
		attribute.String("role", string(account.Role)),
	)
	return nil
}

// GetAccountByEmail retrieves an account by role and email
func (r *MongoRepository) GetAccountByEmail(ctx context.Context, role Role, email string) (*Account, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoGetAccountByEmail")
	defer span.End()

	var account Account
	err := r.AccountCollection.FindOne(ctx, bson.M{"role": role, "email": email}).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFoundf("%s account %s not found", role, email)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find account")
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}

// UnprocessedEvents retrieves unprocessed outbox events, oldest first
func (r *MongoRepository) UnprocessedEvents(ctx context.Context, limit int) ([]*Event, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoUnprocessedEvents")
	defer span.End()

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.OutboxCollection.Find(ctx, bson.M{"processed": false}, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find unprocessed outbox events")
		return nil, fmt.Errorf("failed to find unprocessed outbox events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*Event
	for cursor.Next(ctx) {
		var event Event
		if err := cursor.Decode(&event); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to decode outbox event")
			return nil, fmt.Errorf("failed to decode outbox event: %w", err)
		}
		events = append(events, &event)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Cursor error")
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	span.SetAttributes(attribute.Int("eventCount", len(events)))
	return events, nil
}

// MarkEventProcessed marks an outbox event as processed
func (r *MongoRepository) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoMarkEventProcessed")
	defer span.End()

	_, err := r.OutboxCollection.UpdateOne(ctx, bson.M{"_id": eventID}, bson.M{
		"$set": bson.M{
			"processed":   true,
			"processedAt": at,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to mark outbox event as processed")
		return fmt.Errorf("failed to mark outbox event as processed: %w", err)
	}
	span.SetAttributes(attribute.String("eventID", eventID))
	return nil
}

// WatchIssues follows the change stream of the issues collection and calls
// notify with the id and version of every written issue until ctx is done.
// It needs a replica set.
func (r *MongoRepository) WatchIssues(ctx context.Context, notify func(issueID string, version int64)) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoWatchIssues")
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}}}}},
	}
	stream, err := r.IssueCollection.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to open change stream")
		span.End()
		return fmt.Errorf("failed to open change stream: %w", err)
	}
	span.End()
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var change struct {
			FullDocument *struct {
				ID      string `bson:"_id"`
				Version int64  `bson:"version"`
			} `bson:"fullDocument"`
		}
		if err := stream.Decode(&change); err != nil || change.FullDocument == nil {
			continue
		}
		notify(change.FullDocument.ID, change.FullDocument.Version)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return stream.Err()
}

// MongoGeoIndex answers radius queries with $geoWithin/$centerSphere. The
// sphere radius is EarthRadiusKm, so the prefilter agrees with Haversine and
// the final cut is made by Haversine itself.
type MongoGeoIndex struct {
	repo *MongoRepository
}

func NewMongoGeoIndex(repo *MongoRepository) *MongoGeoIndex {
	return &MongoGeoIndex{repo: repo}
}

func centerSphere(center Location, radiusMeters float64) bson.M {
	return bson.M{
		"$geoWithin": bson.M{
			"$centerSphere": bson.A{
				bson.A{center.Longitude(), center.Latitude()},
				radiusMeters / (EarthRadiusKm * 1000),
			},
		},
	}
}

func (g *MongoGeoIndex) IssuesNear(ctx context.Context, center Location, radiusMeters float64, statuses []IssueStatus) ([]*Issue, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoIssuesNear")
	defer span.End()

	filter := bson.M{"location": centerSphere(center, radiusMeters)}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	issues, err := g.repo.findIssues(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to query nearby issues")
		return nil, err
	}
	nearby := FilterIssuesNear(issues, center, radiusMeters, statuses)
	span.SetAttributes(
		attribute.Float64("radiusMeters", radiusMeters),
		attribute.Int("issueCount", len(nearby)),
	)
	return nearby, nil
}

func (g *MongoGeoIndex) MechanicsNear(ctx context.Context, center Location, radiusMeters float64) ([]*MechanicPosition, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoMechanicsNear")
	defer span.End()

	filter := bson.M{"location": centerSphere(center, radiusMeters), "isLive": true}
	cursor, err := g.repo.PositionCollection.Find(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to query nearby mechanics")
		return nil, fmt.Errorf("failed to find positions: %w", err)
	}
	var positions []*MechanicPosition
	if err := cursor.All(ctx, &positions); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode positions")
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}
	nearby := FilterPositionsNear(positions, center, radiusMeters)
	span.SetAttributes(attribute.Int("mechanicCount", len(nearby)))
	return nearby, nil
}
