package grpcsvc

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"fadedreams/roadassist/issue-service/auth"
	"fadedreams/roadassist/issue-service/domain"
	"fadedreams/roadassist/issue-service/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	user  = domain.Caller{ID: "user-1", Role: domain.RoleUser}
	mechA = domain.Caller{ID: "mech-a", Role: domain.RoleMechanic}
	mechB = domain.Caller{ID: "mech-b", Role: domain.RoleMechanic}
)

type env struct {
	neg    *service.OfferNegotiation
	issuer *auth.Issuer
	client *WatchClient
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := domain.NewMemoryRepository()
	hub := service.NewHub()
	store := service.NewIssueStore(repo, repo, domain.NewScanIndex(repo, repo), hub, logger)
	neg := service.NewOfferNegotiation(store, service.NewMatchNotifier(store, nil, logger))
	issuer := auth.NewIssuer("test-secret", time.Hour)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(NewWatchServer(service.NewWatcher(neg, hub, time.Hour, logger), neg, issuer, logger))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &env{neg: neg, issuer: issuer, client: NewWatchClient(conn)}
}

func (e *env) ctx(t *testing.T, caller domain.Caller) context.Context {
	t.Helper()
	token, _, err := e.issuer.Issue(caller)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return WithToken(ctx, token)
}

func (e *env) report(t *testing.T) *domain.Issue {
	t.Helper()
	issue, err := e.neg.ReportIssue(context.Background(), user, domain.IssueInput{
		Location: domain.NewLocation(73.05, 30.37), VehicleType: "car", Description: "dead battery", ExpectedPrice: 800,
	})
	require.NoError(t, err)
	return issue
}

func TestWatchStreamsUntilCancelled(t *testing.T) {
	e := newEnv(t)
	issue := e.report(t)

	stream, err := e.client.Watch(e.ctx(t, mechA), issue.ID)
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, domain.IssuePending, first.Issue.Status)

	_, err = e.neg.SubmitOffer(context.Background(), mechA, issue.ID, domain.OfferInput{Price: 700, EstimatedTime: 20})
	require.NoError(t, err)
	next, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, domain.IssueOffered, next.Issue.Status)
	require.Len(t, next.Issue.Offers, 1)

	_, err = e.neg.CancelIssue(context.Background(), user, issue.ID)
	require.NoError(t, err)
	last, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, domain.IssueCancelled, last.Issue.Status)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestWatchRequiresToken(t *testing.T) {
	e := newEnv(t)
	issue := e.report(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := e.client.Watch(ctx, issue.ID)
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, grpccodes.Unauthenticated, status.Code(err))

	stream, err = e.client.Watch(WithToken(ctx, "garbage"), issue.ID)
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, grpccodes.Unauthenticated, status.Code(err))
}

func TestWatchMapsDomainErrors(t *testing.T) {
	e := newEnv(t)
	issue := e.report(t)

	stream, err := e.client.Watch(e.ctx(t, domain.Caller{ID: "user-2", Role: domain.RoleUser}), issue.ID)
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, grpccodes.PermissionDenied, status.Code(err))

	stream, err = e.client.Watch(e.ctx(t, user), "missing")
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, grpccodes.NotFound, status.Code(err))
}

func TestGetMatch(t *testing.T) {
	e := newEnv(t)
	issue := e.report(t)
	ctx := context.Background()

	_, err := e.client.GetMatch(e.ctx(t, user), issue.ID)
	assert.Equal(t, grpccodes.FailedPrecondition, status.Code(err))

	_, err = e.neg.SubmitOffer(ctx, mechB, issue.ID, domain.OfferInput{Price: 750, EstimatedTime: 40})
	require.NoError(t, err)
	_, err = e.neg.UpdateLocation(ctx, mechB, domain.NewLocation(73.05, 30.406))
	require.NoError(t, err)
	_, err = e.neg.AcceptOffer(ctx, user, issue.ID, "mech-b")
	require.NoError(t, err)

	m, err := e.client.GetMatch(e.ctx(t, user), issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "mech-b", m.MechanicID)
	assert.Equal(t, 750.0, m.AcceptedPrice)
	require.NotNil(t, m.DistanceKm)
	assert.InDelta(t, 4.0, *m.DistanceKm, 0.1)

	_, err = e.client.GetMatch(e.ctx(t, mechA), issue.ID)
	assert.Equal(t, grpccodes.PermissionDenied, status.Code(err))
}

func TestToStatus(t *testing.T) {
	assert.Equal(t, grpccodes.InvalidArgument, status.Code(toStatus(domain.ErrValidation)))
	assert.Equal(t, grpccodes.AlreadyExists, status.Code(toStatus(domain.ErrDuplicateOffer)))
	assert.Equal(t, grpccodes.Aborted, status.Code(toStatus(domain.ErrConflict)))
	assert.Equal(t, grpccodes.DeadlineExceeded, status.Code(toStatus(context.DeadlineExceeded)))
	assert.Equal(t, grpccodes.Internal, status.Code(toStatus(io.ErrUnexpectedEOF)))
}

func TestServerExposesOnlyIssueWatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	info := NewServer(NewWatchServer(nil, nil, auth.NewIssuer("test-secret", time.Hour), logger)).GetServiceInfo()
	require.Len(t, info, 1)
	require.Contains(t, info, serviceName)

	var methods []string
	for _, m := range info[serviceName].Methods {
		methods = append(methods, m.Name)
	}
	assert.ElementsMatch(t, []string{"GetMatch", "Watch"}, methods)
}
