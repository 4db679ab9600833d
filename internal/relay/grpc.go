package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashureev/ideacapture/internal/identity"
	"github.com/ashureev/ideacapture/internal/realtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GrpcServer implements the relay gRPC service on top of a Hub.
type GrpcServer struct {
	hub *Hub
}

var _ realtime.RelayServer = (*GrpcServer)(nil)

// NewGrpcServer creates the service.
func NewGrpcServer(hub *Hub) *GrpcServer {
	return &GrpcServer{hub: hub}
}

// Subscribe streams the frames of req.session_id until the client goes away.
func (s *GrpcServer) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	sessionID := req.GetFields()["session_id"].GetStringValue()
	participant := req.GetFields()["participant"].GetStringValue()
	if !identity.ValidID(sessionID) {
		return status.Error(codes.InvalidArgument, "session_id is required")
	}

	sub := s.hub.Subscribe(sessionID, participant)
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-sub.Frames():
			if !ok {
				return nil
			}
			msg, err := realtime.FrameToStruct(f)
			if err != nil {
				slog.Warn("Failed to encode relay frame", "error", err, "entry_id", f.ID)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// SendChat publishes a chat frame and returns it as stored.
func (s *GrpcServer) SendChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := realtime.FrameFromStruct(req)
	f.Type = realtime.FrameChat
	if !identity.ValidID(f.SessionID) {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}

	published, err := s.hub.Publish(ctx, f)
	if errors.Is(err, errEmptyChatText) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "publish chat: %v", err)
	}
	return realtime.FrameToStruct(published)
}
