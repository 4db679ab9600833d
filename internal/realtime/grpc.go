package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC service and method names of the relay.
const (
	RelayServiceName = "ideacapture.realtime.v1.Relay"
	subscribeMethod  = "/" + RelayServiceName + "/Subscribe"
	sendChatMethod   = "/" + RelayServiceName + "/SendChat"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// RelayServer is the server side of the relay gRPC service.
type RelayServer interface {
	// Subscribe streams frames of req.session_id until the client leaves.
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
	// SendChat publishes a chat frame.
	SendChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterRelayServer registers srv on s.
func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&relayServiceDesc, srv)
}

var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: RelayServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "SendChat",
		Handler:    sendChatHandler,
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    subscribeStreamDesc.StreamName,
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "ideacapture/realtime/v1/relay.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RelayServer).Subscribe(req, stream)
}

func sendChatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).SendChat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendChatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).SendChat(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// FrameToStruct encodes a frame for the gRPC wire.
func FrameToStruct(f Frame) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"type":        f.Type,
		"id":          f.ID,
		"session_id":  f.SessionID,
		"speaker":     f.Speaker,
		"participant": f.Participant,
		"text":        f.Text,
		"final":       f.Final,
		"timestamp":   f.Timestamp,
	})
}

// FrameFromStruct decodes a frame from the gRPC wire.
func FrameFromStruct(s *structpb.Struct) Frame {
	fields := s.GetFields()
	return Frame{
		Type:        fields["type"].GetStringValue(),
		ID:          fields["id"].GetStringValue(),
		SessionID:   fields["session_id"].GetStringValue(),
		Speaker:     fields["speaker"].GetStringValue(),
		Participant: fields["participant"].GetStringValue(),
		Text:        fields["text"].GetStringValue(),
		Final:       fields["final"].GetBoolValue(),
		Timestamp:   int64(fields["timestamp"].GetNumberValue()),
	}
}

// GrpcConfig holds configuration for the gRPC transport.
type GrpcConfig struct {
	Address          string
	Participant      string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGrpcConfig returns default configuration.
func DefaultGrpcConfig(addr, participant string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		Participant:      participant,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Grpc is a Transport over the relay gRPC service.
type Grpc struct {
	conn        *grpc.ClientConn
	participant string
	logger      *slog.Logger
}

// Ensure Grpc implements Transport.
var _ Transport = (*Grpc)(nil)

// NewGrpc connects to the relay and waits until the connection is ready.
func NewGrpc(cfg GrpcConfig, logger *slog.Logger) (*Grpc, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("relay at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to realtime relay", "address", cfg.Address)
	return &Grpc{conn: conn, participant: cfg.Participant, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Subscribe opens a server stream for sessionID.
func (g *Grpc) Subscribe(ctx context.Context, sessionID string) (<-chan Batch, error) {
	req, err := structpb.NewStruct(map[string]any{
		"session_id":  sessionID,
		"participant": g.participant,
	})
	if err != nil {
		return nil, fmt.Errorf("build subscribe request: %w", err)
	}

	stream, err := g.conn.NewStream(ctx, &subscribeStreamDesc, subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("subscribe request failed: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close subscribe send: %w", err)
	}

	g.logger.Info("Realtime subscribed", "session_id", sessionID, "participant", g.participant)

	out := make(chan Batch, 16)
	go func() {
		defer close(out)
		for {
			msg := new(structpb.Struct)
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					g.logger.Warn("Realtime stream error", "session_id", sessionID, "error", err)
				}
				return
			}
			batch := toBatch(sessionID, g.participant, []Frame{FrameFromStruct(msg)})
			if len(batch.Events) == 0 {
				continue
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SendChat publishes a chat message through the relay.
func (g *Grpc) SendChat(ctx context.Context, sessionID, text string) error {
	req, err := FrameToStruct(Frame{
		Type:        FrameChat,
		SessionID:   sessionID,
		Participant: g.participant,
		Text:        text,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	if err := g.conn.Invoke(ctx, sendChatMethod, req, new(structpb.Struct)); err != nil {
		return fmt.Errorf("send chat failed: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (g *Grpc) Close() error {
	if g.conn == nil {
		return nil
	}
	if err := g.conn.Close(); err != nil {
		return fmt.Errorf("close relay connection: %w", err)
	}
	return nil
}
