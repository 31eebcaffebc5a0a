package grpcsvc

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"fadedreams/roadassist/issue-service/auth"
	"fadedreams/roadassist/issue-service/domain"
	"fadedreams/roadassist/issue-service/service"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const serviceName = "roadassist.IssueWatch"

type WatchRequest struct {
	IssueID string `json:"issueId"`
}

type MatchRequest struct {
	IssueID string `json:"issueId"`
}

// IssueWatchServer is the server API of roadassist.IssueWatch.
type IssueWatchServer interface {
	Watch(*WatchRequest, IssueWatch_WatchServer) error
	GetMatch(context.Context, *MatchRequest) (*domain.Match, error)
}

type IssueWatch_WatchServer interface {
	Send(*service.IssueView) error
	grpc.ServerStream
}

type issueWatchWatchServer struct {
	grpc.ServerStream
}

func (x *issueWatchWatchServer) Send(m *service.IssueView) error {
	return x.ServerStream.SendMsg(m)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	m := new(WatchRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(IssueWatchServer).Watch(m, &issueWatchWatchServer{stream})
}

func getMatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IssueWatchServer).GetMatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetMatch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IssueWatchServer).GetMatch(ctx, req.(*MatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// IssueWatchServiceDesc describes roadassist.IssueWatch for grpc.Server.RegisterService.
var IssueWatchServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*IssueWatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetMatch", Handler: getMatchHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "issue_watch",
}

func RegisterIssueWatchServer(s grpc.ServiceRegistrar, srv IssueWatchServer) {
	s.RegisterService(&IssueWatchServiceDesc, srv)
}

// NewServer returns a gRPC server carrying only the IssueWatch service.
// Reflection stays off because the JSON codec has no descriptors to serve.
func NewServer(srv IssueWatchServer, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	RegisterIssueWatchServer(s, srv)
	return s
}

// WatchServer pushes issue state to mechanics and users over gRPC.
type WatchServer struct {
	watcher     *service.Watcher
	negotiation *service.OfferNegotiation
	issuer      *auth.Issuer
	logger      *slog.Logger
}

func NewWatchServer(watcher *service.Watcher, negotiation *service.OfferNegotiation, issuer *auth.Issuer, logger *slog.Logger) *WatchServer {
	return &WatchServer{watcher: watcher, negotiation: negotiation, issuer: issuer, logger: logger}
}

func (s *WatchServer) authenticate(ctx context.Context) (domain.Caller, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get("authorization") {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok {
			caller, err := s.issuer.Parse(strings.TrimSpace(token))
			if err != nil {
				return domain.Caller{}, toStatus(err)
			}
			return caller, nil
		}
	}
	return domain.Caller{}, status.Error(grpccodes.Unauthenticated, "missing bearer token")
}

func (s *WatchServer) Watch(req *WatchRequest, stream IssueWatch_WatchServer) error {
	ctx, span := otel.Tracer("issue-service").Start(stream.Context(), "GRPCWatchIssue")
	defer span.End()
	span.SetAttributes(attribute.String("issueID", req.IssueID))

	caller, err := s.authenticate(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Watch stream opened", "issueID", req.IssueID, "callerID", caller.ID)
	err = s.watcher.Watch(ctx, caller, req.IssueID, stream.Send)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Watch failed")
		s.logger.Warn("Watch stream closed with error", "issueID", req.IssueID, "error", err)
		return toStatus(err)
	}
	s.logger.Info("Watch stream closed", "issueID", req.IssueID, "callerID", caller.ID)
	return nil
}

func (s *WatchServer) GetMatch(ctx context.Context, req *MatchRequest) (*domain.Match, error) {
	ctx, span := otel.Tracer("issue-service").Start(ctx, "GRPCGetMatch")
	defer span.End()

	caller, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.negotiation.Match(ctx, caller, req.IssueID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "GetMatch failed")
		return nil, toStatus(err)
	}
	return m, nil
}

// toStatus maps domain error kinds to gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code grpccodes.Code
	switch domain.KindOf(err) {
	case domain.KindValidation:
		code = grpccodes.InvalidArgument
	case domain.KindNotFound:
		code = grpccodes.NotFound
	case domain.KindForbidden:
		code = grpccodes.PermissionDenied
	case domain.KindInvalidState:
		code = grpccodes.FailedPrecondition
	case domain.KindDuplicateOffer:
		code = grpccodes.AlreadyExists
	case domain.KindUnauthorized:
		code = grpccodes.Unauthenticated
	case domain.KindConflict:
		code = grpccodes.Aborted
	default:
		if errors.Is(err, context.Canceled) {
			code = grpccodes.Canceled
		} else if errors.Is(err, context.DeadlineExceeded) {
			code = grpccodes.DeadlineExceeded
		} else {
			code = grpccodes.Internal
		}
	}
	return status.Error(code, err.Error())
}
