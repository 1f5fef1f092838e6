package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ahwlsqja/pbft-engine/consensus/pbft"
	"github.com/ahwlsqja/pbft-engine/types"
)

// ServiceName is the fully qualified gRPC service name of the host bridge.
const ServiceName = "pbft.host.v1.Host"

const maxMsgSize = 64 * 1024 * 1024 // 64MB

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// hostServer is the method set the ServiceDesc dispatches to.
type hostServer interface {
	Startup(context.Context, *Empty) (*StartupResponse, error)
	Broadcast(context.Context, *PayloadRequest) (*Empty, error)
	SendTo(context.Context, *PayloadRequest) (*Empty, error)
	InitializeBlock(context.Context, *BlockIDRequest) (*Empty, error)
	FinalizeBlock(context.Context, *FinalizeRequest) (*BlockIDRequest, error)
	CancelBlock(context.Context, *Empty) (*Empty, error)
	CheckBlocks(context.Context, *BlockIDsRequest) (*Empty, error)
	CommitBlock(context.Context, *BlockIDRequest) (*Empty, error)
	FailBlock(context.Context, *BlockIDRequest) (*Empty, error)
	GetChainHead(context.Context, *Empty) (*Block, error)
	GetSettings(context.Context, *SettingsRequest) (*SettingsResponse, error)
	Updates(*Empty, grpc.ServerStream) error
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req, Resp any](name string, call func(hostServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(hostServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(hostServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func updatesHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(hostServer).Updates(in, stream)
}

// hostServiceDesc is written by hand in place of protoc output; requests and responses are
// plain structs carried by the JSON codec.
var hostServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*hostServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Startup", Handler: unaryHandler("Startup", hostServer.Startup)},
		{MethodName: "Broadcast", Handler: unaryHandler("Broadcast", hostServer.Broadcast)},
		{MethodName: "SendTo", Handler: unaryHandler("SendTo", hostServer.SendTo)},
		{MethodName: "InitializeBlock", Handler: unaryHandler("InitializeBlock", hostServer.InitializeBlock)},
		{MethodName: "FinalizeBlock", Handler: unaryHandler("FinalizeBlock", hostServer.FinalizeBlock)},
		{MethodName: "CancelBlock", Handler: unaryHandler("CancelBlock", hostServer.CancelBlock)},
		{MethodName: "CheckBlocks", Handler: unaryHandler("CheckBlocks", hostServer.CheckBlocks)},
		{MethodName: "CommitBlock", Handler: unaryHandler("CommitBlock", hostServer.CommitBlock)},
		{MethodName: "FailBlock", Handler: unaryHandler("FailBlock", hostServer.FailBlock)},
		{MethodName: "GetChainHead", Handler: unaryHandler("GetChainHead", hostServer.GetChainHead)},
		{MethodName: "GetSettings", Handler: unaryHandler("GetSettings", hostServer.GetSettings)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Updates", Handler: updatesHandler, ServerStreams: true},
	},
	Metadata: "pbft/host/v1/host.proto",
}

// HostServer exposes a pbft.Service, its startup state and its update feed to a remote
// engine. It serves one update subscriber at a time.
type HostServer struct {
	mu sync.Mutex

	service pbft.Service
	startup pbft.StartupState
	updates <-chan pbft.Update
	logger  *zap.Logger

	server    *grpc.Server
	streaming bool
}

// NewHostServer creates a server for service. updates is drained by the Updates stream.
func NewHostServer(service pbft.Service, startup pbft.StartupState, updates <-chan pbft.Update, logger *zap.Logger) *HostServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HostServer{
		service: service,
		startup: startup,
		updates: updates,
		logger:  logger.Named("host-server"),
	}
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	s.server.RegisterService(&hostServiceDesc, s)
	return s
}

// Serve accepts connections on ln until ctx is cancelled or Stop is called.
func (s *HostServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()
	s.logger.Info("serving host bridge", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		// open update streams never finish on their own, so no graceful drain here
		s.server.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Stop stops the server gracefully.
func (s *HostServer) Stop() {
	s.server.GracefulStop()
}

// toStatus maps service errors onto gRPC codes the client can map back.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pbft.ErrBlockNotReady):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *HostServer) Startup(context.Context, *Empty) (*StartupResponse, error) {
	return startupToWire(s.startup), nil
}

func (s *HostServer) Broadcast(_ context.Context, req *PayloadRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.service.Broadcast(req.Payload))
}

func (s *HostServer) SendTo(_ context.Context, req *PayloadRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.service.SendTo(types.PeerID(req.Peer), req.Payload))
}

func (s *HostServer) InitializeBlock(_ context.Context, req *BlockIDRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.service.InitializeBlock(types.BlockID(req.BlockID)))
}

func (s *HostServer) FinalizeBlock(_ context.Context, req *FinalizeRequest) (*BlockIDRequest, error) {
	id, err := s.service.FinalizeBlock(req.Data)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BlockIDRequest{BlockID: []byte(id)}, nil
}

func (s *HostServer) CancelBlock(context.Context, *Empty) (*Empty, error) {
	return &Empty{}, toStatus(s.service.CancelBlock())
}

func (s *HostServer) CheckBlocks(_ context.Context, req *BlockIDsRequest) (*Empty, error) {
	ids := make([]types.BlockID, len(req.BlockIDs))
	for i, id := range req.BlockIDs {
		ids[i] = types.BlockID(id)
	}
	return &Empty{}, toStatus(s.service.CheckBlocks(ids))
}

func (s *HostServer) CommitBlock(_ context.Context, req *BlockIDRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.service.CommitBlock(types.BlockID(req.BlockID)))
}

func (s *HostServer) FailBlock(_ context.Context, req *BlockIDRequest) (*Empty, error) {
	return &Empty{}, toStatus(s.service.FailBlock(types.BlockID(req.BlockID)))
}

func (s *HostServer) GetChainHead(context.Context, *Empty) (*Block, error) {
	head, err := s.service.GetChainHead()
	if err != nil {
		return nil, toStatus(err)
	}
	b := blockToWire(head)
	return &b, nil
}

func (s *HostServer) GetSettings(_ context.Context, req *SettingsRequest) (*SettingsResponse, error) {
	settings, err := s.service.GetSettings(types.BlockID(req.BlockID), req.Keys)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SettingsResponse{Settings: settings}, nil
}

// Updates streams host updates until the feed closes or the subscriber goes away.
func (s *HostServer) Updates(_ *Empty, stream grpc.ServerStream) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return status.Error(codes.AlreadyExists, "update stream already has a subscriber")
	}
	s.streaming = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-s.updates:
			if !ok {
				return nil
			}
			wire, err := updateToWire(u)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(wire); err != nil {
				return fmt.Errorf("send update: %w", err)
			}
			if _, ok := u.(pbft.Shutdown); ok {
				return nil
			}
		}
	}
}

var _ hostServer = (*HostServer)(nil)
