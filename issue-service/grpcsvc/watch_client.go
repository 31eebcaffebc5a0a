package grpcsvc

import (
	"context"

	"fadedreams/roadassist/issue-service/domain"
	"fadedreams/roadassist/issue-service/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// WatchClient calls roadassist.IssueWatch.
type WatchClient struct {
	cc grpc.ClientConnInterface
}

func NewWatchClient(cc grpc.ClientConnInterface) *WatchClient {
	return &WatchClient{cc: cc}
}

// WithToken attaches a bearer token to outgoing calls made with ctx.
func WithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// Watch opens the stream. Call Recv on the result until it returns io.EOF.
func (c *WatchClient) Watch(ctx context.Context, issueID string) (*WatchStream, error) {
	stream, err := c.cc.NewStream(ctx, &IssueWatchServiceDesc.Streams[0], "/"+serviceName+"/Watch", grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WatchRequest{IssueID: issueID}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{stream: stream}, nil
}

func (c *WatchClient) GetMatch(ctx context.Context, issueID string) (*domain.Match, error) {
	out := new(domain.Match)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/GetMatch", &MatchRequest{IssueID: issueID}, out, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

type WatchStream struct {
	stream grpc.ClientStream
}

func (w *WatchStream) Recv() (*service.IssueView, error) {
	v := new(service.IssueView)
	if err := w.stream.RecvMsg(v); err != nil {
		return nil, err
	}
	return v, nil
}
